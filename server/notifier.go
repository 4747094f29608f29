package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/rpsgame"
)

// NtfnType identifies one kind of ledger notification.
type NtfnType int

const (
	NtfnPhaseChange NtfnType = iota
	NtfnGameOver
	NtfnPlayerRegistered
	NtfnPlayerCommitted
	NtfnPlayerRevealed
)

func (t NtfnType) String() string {
	switch t {
	case NtfnPhaseChange:
		return "phaseChange"
	case NtfnGameOver:
		return "gameOver"
	case NtfnPlayerRegistered:
		return "playerRegistered"
	case NtfnPlayerCommitted:
		return "playerCommitted"
	case NtfnPlayerRevealed:
		return "playerRevealed"
	}
	return fmt.Sprintf("ntfn(%d)", int(t))
}

func (t NtfnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Ntfn is a one-shot signal that something changed on the ledger. Consumers
// must tolerate missed or duplicated notifications: each one only prompts an
// idempotent full-snapshot refetch, never an incremental patch.
type Ntfn struct {
	Type       NtfnType            `json:"type"`
	GameNumber uint64              `json:"gameNumber"`
	// Slot is the acting player's slot for per-action notifications, -1
	// otherwise.
	Slot   int                 `json:"slot"`
	Phase  rpsgame.Phase       `json:"phase"`
	Record *rpsgame.GameRecord `json:"record,omitempty"`
	At     time.Time           `json:"at"`
}

// ntfnHub fans ledger notifications out to subscribers. Sends are
// best-effort and non-blocking; a slow subscriber drops notifications rather
// than stalling the ledger, which is safe because every notification only
// triggers a refetch.
type ntfnHub struct {
	log slog.Logger

	mu   sync.RWMutex
	subs map[chan Ntfn]struct{}
}

func newNtfnHub(log slog.Logger) *ntfnHub {
	return &ntfnHub{
		log:  log,
		subs: make(map[chan Ntfn]struct{}),
	}
}

// Subscribe adds a listener and returns the channel plus an unsubscribe
// func. The channel is never closed by the hub; receivers stop via their own
// context.
func (h *ntfnHub) Subscribe() (<-chan Ntfn, func()) {
	ch := make(chan Ntfn, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debugf("notifier: subscribed (subs=%d)", n)

	unsub := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		remaining := len(h.subs)
		h.mu.Unlock()
		h.log.Debugf("notifier: unsubscribed (subs=%d)", remaining)
	}
	return ch, unsub
}

func (h *ntfnHub) broadcast(n Ntfn) {
	h.mu.RLock()
	chs := make([]chan Ntfn, 0, len(h.subs))
	for ch := range h.subs {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()
	h.log.Debugf("notifier: broadcast %s game=%d to %d listeners", n.Type, n.GameNumber, len(chs))

	for _, ch := range chs {
		select {
		case ch <- n:
		default:
			// Drop if receiver is slow.
		}
	}
}
