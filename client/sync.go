package client

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/rpsgame"
)

// View is the merged, read-only state a consumer renders from: the cached
// authoritative snapshot plus the local session (identity and readiness).
// Ready is false until the first successful full fetch and whenever the
// identity changed and a refetch is in flight.
type View struct {
	Ready    bool
	Account  string
	Game     rpsgame.Game
	LastGame *rpsgame.GameRecord

	// Deployment parameters, mirrored from the ledger.
	PriceAtoms int64
	BondAtoms  int64
	Window     time.Duration
}

// viewEqual drives change detection; snapshots are plain values so this is
// field-wise comparison.
func viewEqual(a, b View) bool {
	if a.Ready != b.Ready || a.Account != b.Account || a.Game != b.Game ||
		a.PriceAtoms != b.PriceAtoms || a.BondAtoms != b.BondAtoms || a.Window != b.Window {
		return false
	}
	switch {
	case a.LastGame == nil && b.LastGame == nil:
		return true
	case a.LastGame == nil || b.LastGame == nil:
		return false
	}
	return *a.LastGame == *b.LastGame
}

// StateSyncCfg configures a synchronizer.
type StateSyncCfg struct {
	Client   *Client
	Secrets  *SecretStore
	Accounts AccountSource

	// PollInterval is the cadence of the background snapshot refresh.
	// Defaults to 5s.
	PollInterval time.Duration

	// Clock overrides the time source for the timeout predicates (tests).
	Clock func() time.Time

	Log slog.Logger
}

// StateSync reconciles the local view against the authoritative ledger. Two
// producers feed it: a fixed-interval poll and the server's event stream.
// Both converge on the same operation, replace-the-cache-with-a-fresh-full-
// snapshot, so duplicated, missed, or reordered notifications are harmless.
type StateSync struct {
	c        *Client
	secrets  *SecretStore
	accounts AccountSource
	poll     time.Duration
	clock    func() time.Time
	log      slog.Logger

	mu   sync.RWMutex
	view View

	// UpdatesCh coalesces change signals for the consumer; receives mean
	// "re-read View()".
	UpdatesCh chan struct{}
}

func NewStateSync(cfg StateSyncCfg) (*StateSync, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("sync must have a ledger client")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("sync must have a secret store")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("sync must have an account source")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("sync must have logger")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateSync{
		c:         cfg.Client,
		secrets:   cfg.Secrets,
		accounts:  cfg.Accounts,
		poll:      poll,
		clock:     clock,
		log:       cfg.Log,
		UpdatesCh: make(chan struct{}, 1),
	}, nil
}

// View returns the current merged view.
func (s *StateSync) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// CanAbort reports whether the abort action is currently available to the
// local operator.
func (s *StateSync) CanAbort() bool {
	v := s.View()
	return rpsgame.CanAbort(v.Game, v.Account, s.clock(), v.Window)
}

// CanForfeit reports whether claiming victory by forfeiture is currently
// available to the local operator.
func (s *StateSync) CanForfeit() bool {
	v := s.View()
	return rpsgame.CanForfeit(v.Game, v.Account, s.clock(), v.Window)
}

// Run drives reconciliation until ctx is cancelled: one initial marked
// fetch, then the poll ticker and the event-stream consumer. Both timers
// stop when ctx does.
func (s *StateSync) Run(ctx context.Context) error {
	s.ReloadState(ctx, true)

	go s.consumeEvents(ctx)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ReloadState(ctx, false)
		}
	}
}

// ReloadState re-fetches the identity and the full authoritative snapshot
// and replaces the cached view. markNotReady drops the view to loading
// first; routine background refreshes skip that to avoid flicker. Fetch
// failures leave the previous view in place; the next tick retries.
func (s *StateSync) ReloadState(ctx context.Context, markNotReady bool) {
	if markNotReady {
		s.setNotReady()
	}

	account, err := s.accounts.Account()
	if err != nil {
		s.log.Warnf("sync: read account: %v", err)
		return
	}
	s.mu.RLock()
	accountChanged := s.view.Account != "" && s.view.Account != account
	s.mu.RUnlock()
	if accountChanged {
		// Every downstream permission depends on the identity; show loading
		// until the refetch lands.
		s.setNotReady()
	}

	st, err := s.c.FetchState(ctx)
	if err != nil {
		s.log.Debugf("sync: fetch state: %v", err)
		return
	}

	next := View{
		Ready:      true,
		Account:    account,
		Game:       st.Game,
		LastGame:   st.LastGame,
		PriceAtoms: st.PriceAtoms,
		BondAtoms:  st.BondAtoms,
		Window:     time.Duration(st.WindowSecs) * time.Second,
	}

	s.mu.Lock()
	changed := !viewEqual(s.view, next)
	s.view = next
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Register enters the local operator into the game, paying exactly price
// plus bond.
func (s *StateSync) Register(ctx context.Context) error {
	v := s.View()
	if !v.Ready {
		return fmt.Errorf("state not loaded yet")
	}
	if _, err := s.c.Register(ctx, v.Account, v.PriceAtoms+v.BondAtoms); err != nil {
		return err
	}
	s.ReloadState(ctx, false)
	return nil
}

// CommitMove draws a fresh nonce, persists the secret, then submits the
// commitment. The secret is saved before the submission so a crash between
// the two can never leave a commitment on the ledger with no way to open it.
func (s *StateSync) CommitMove(ctx context.Context, choice rpsgame.Choice) error {
	if !choice.Valid() {
		return fmt.Errorf("invalid choice %d", choice)
	}
	v := s.View()
	slot := v.Game.PlayerSlot(v.Account)
	if slot < 0 {
		return rpsgame.ErrNotAPlayer
	}

	nonce, err := rpsgame.NewNonce()
	if err != nil {
		return err
	}
	if err := s.secrets.Save(v.Game.GameNumber, slot, choice, nonce); err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}
	if err := s.c.Commit(ctx, v.Account, rpsgame.CommitChoice(slot, choice, nonce)); err != nil {
		return err
	}
	s.ReloadState(ctx, false)
	return nil
}

// RevealMove opens the local operator's commitment using the stored secret.
// A missing secret is ErrSecretMissing, which is terminal for this game.
func (s *StateSync) RevealMove(ctx context.Context) error {
	v := s.View()
	slot := v.Game.PlayerSlot(v.Account)
	if slot < 0 {
		return rpsgame.ErrNotAPlayer
	}

	choice, nonce, err := s.secrets.Load(v.Game.GameNumber, slot)
	if err != nil {
		return err
	}
	if err := s.c.Reveal(ctx, v.Account, choice, nonce); err != nil {
		return err
	}
	s.ReloadState(ctx, false)
	return nil
}

// AbortGame requests a timeout abort. The ledger is the final arbiter; the
// CanAbort predicate only gates the UI affordance.
func (s *StateSync) AbortGame(ctx context.Context) error {
	v := s.View()
	if err := s.c.Abort(ctx, v.Account); err != nil {
		return err
	}
	s.ReloadState(ctx, false)
	return nil
}

// ForfeitGame claims victory against an opponent that failed to reveal.
func (s *StateSync) ForfeitGame(ctx context.Context) error {
	v := s.View()
	if err := s.c.Forfeit(ctx, v.Account); err != nil {
		return err
	}
	s.ReloadState(ctx, false)
	return nil
}

func (s *StateSync) setNotReady() {
	s.mu.Lock()
	changed := s.view.Ready
	s.view.Ready = false
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *StateSync) notify() {
	select {
	case s.UpdatesCh <- struct{}{}:
	default:
	}
}

// consumeEvents reads the server's event stream and performs one
// reconciliation pass per notification. Which event arrived does not
// matter: reconciliation always refetches the full snapshot, so this
// tolerates missed and duplicated notifications. Stream errors reconnect
// with backoff until ctx ends.
func (s *StateSync) consumeEvents(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.streamEvents(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Debugf("sync: event stream ended: %v; reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *StateSync) streamEvents(ctx context.Context) error {
	body, err := s.c.OpenEvents(ctx)
	if err != nil {
		return err
	}
	defer body.Close()
	s.log.Debugf("sync: event stream connected")

	scanner := bufio.NewScanner(body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case line == "":
			if event != "" {
				s.log.Tracef("sync: notification %s", event)
				s.ReloadState(ctx, false)
				event = ""
			}
		}
	}
	return scanner.Err()
}
