package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/rpsgame"
	"github.com/bigspider/rpsledger/server/serverdb"
)

// Default stakes, in atoms. They mirror the classic deployment: price 0.1,
// bond 0.01, with 1e9 atoms to a unit.
const (
	DefaultPriceAtoms = 100_000_000
	DefaultBondAtoms  = 10_000_000
	DefaultWindow     = 60 * time.Second
)

// LedgerConfig configures the authoritative ledger.
type LedgerConfig struct {
	// PriceAtoms and BondAtoms are the entry stake per player. Registration
	// requires at least their sum; any excess is returned as change.
	PriceAtoms int64
	BondAtoms  int64

	// Window is the timeout window for abort/forfeit eligibility.
	Window time.Duration

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time

	// DB archives finished games. Nil disables archiving.
	DB serverdb.ServerDB

	Log slog.Logger
}

// Ledger is the authoritative store for the single game slot. All mutating
// actions are serialized under its lock and validated against the state
// produced by the previous action; a guard violation fails the action
// instead of coercing state.
type Ledger struct {
	sync.RWMutex

	price  int64
	bond   int64
	window time.Duration
	clock  func() time.Time
	db     serverdb.ServerDB
	log    slog.Logger
	hub    *ntfnHub

	game     rpsgame.Game
	lastGame *rpsgame.GameRecord
}

// NewLedger opens a ledger with a fresh Init game. When an archive is
// configured, numbering resumes after the last archived game.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.PriceAtoms <= 0 || cfg.BondAtoms < 0 {
		return nil, fmt.Errorf("invalid stakes: price=%d bond=%d", cfg.PriceAtoms, cfg.BondAtoms)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("invalid timeout window: %v", cfg.Window)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	l := &Ledger{
		price:  cfg.PriceAtoms,
		bond:   cfg.BondAtoms,
		window: cfg.Window,
		clock:  clock,
		db:     cfg.DB,
		log:    log,
		hub:    newNtfnHub(log),
	}

	number := uint64(1)
	if l.db != nil {
		last, err := l.db.FetchLastGame()
		switch {
		case err == nil:
			l.lastGame = last
			number = last.GameNumber + 1
		case errors.Is(err, serverdb.ErrGameNotFound):
		default:
			return nil, fmt.Errorf("load last game: %w", err)
		}
	}
	l.game = rpsgame.NewGame(number, clock())
	l.log.Infof("ledger: open at game %d (price=%d bond=%d window=%v)",
		number, l.price, l.bond, l.window)
	return l, nil
}

// Window returns the configured timeout window.
func (l *Ledger) Window() time.Duration { return l.window }

// Price returns the configured price and bond, in atoms.
func (l *Ledger) Price() (price, bond int64) { return l.price, l.bond }

// State returns a snapshot of the live game and the last finished game.
func (l *Ledger) State() (rpsgame.Game, *rpsgame.GameRecord) {
	l.RLock()
	defer l.RUnlock()
	return l.game, l.lastGame
}

// Subscribe registers a notification listener.
func (l *Ledger) Subscribe() (<-chan Ntfn, func()) {
	return l.hub.Subscribe()
}

// Register adds account to the game. payment must cover price plus bond;
// the excess is returned as change.
func (l *Ledger) Register(account string, payment int64) (change int64, err error) {
	if account == "" {
		return 0, fmt.Errorf("empty account")
	}
	if payment < l.price+l.bond {
		return 0, rpsgame.ErrInsufficientPayment
	}

	l.Lock()
	defer l.Unlock()

	now := l.clock()
	next, err := l.game.Register(account, now)
	if err != nil {
		return 0, err
	}
	l.apply(next, NtfnPlayerRegistered, next.PlayerSlot(account), now)
	return payment - (l.price + l.bond), nil
}

// Commit records account's commitment hash.
func (l *Ledger) Commit(account string, commitment rpsgame.Commitment) error {
	l.Lock()
	defer l.Unlock()

	now := l.clock()
	next, err := l.game.Commit(account, commitment, now)
	if err != nil {
		return err
	}
	l.apply(next, NtfnPlayerCommitted, next.PlayerSlot(account), now)
	return nil
}

// Reveal discloses account's move and, once both slots revealed, resolves
// the match.
func (l *Ledger) Reveal(account string, choice rpsgame.Choice, nonce rpsgame.Nonce) error {
	l.Lock()
	defer l.Unlock()

	now := l.clock()
	next, err := l.game.Reveal(account, choice, nonce, now)
	if err != nil {
		return err
	}
	l.apply(next, NtfnPlayerRevealed, next.PlayerSlot(account), now)
	return nil
}

// Abort ends a stalled game in account's favor, if the timeout policy
// permits.
func (l *Ledger) Abort(account string) error {
	l.Lock()
	defer l.Unlock()

	now := l.clock()
	next, err := l.game.Abort(account, now, l.window)
	if err != nil {
		return err
	}
	l.apply(next, NtfnPhaseChange, -1, now)
	return nil
}

// Forfeit claims victory for account against an opponent that failed to
// reveal, if the timeout policy permits.
func (l *Ledger) Forfeit(account string) error {
	l.Lock()
	defer l.Unlock()

	now := l.clock()
	next, err := l.game.Forfeit(account, now, l.window)
	if err != nil {
		return err
	}
	l.apply(next, NtfnPhaseChange, -1, now)
	return nil
}

// apply installs the successor snapshot and emits notifications. Must be
// called with the write lock held.
func (l *Ledger) apply(next rpsgame.Game, action NtfnType, slot int, now time.Time) {
	prev := l.game
	l.game = next

	if action != NtfnPhaseChange {
		l.hub.broadcast(Ntfn{
			Type:       action,
			GameNumber: next.GameNumber,
			Slot:       slot,
			Phase:      next.Phase,
			At:         now,
		})
	}
	if next.Phase != prev.Phase && next.Phase != rpsgame.PhaseGameOver {
		l.hub.broadcast(Ntfn{
			Type:       NtfnPhaseChange,
			GameNumber: next.GameNumber,
			Slot:       -1,
			Phase:      next.Phase,
			At:         now,
		})
	}
	if next.Phase == rpsgame.PhaseGameOver {
		l.finalize(now)
	}
}

// finalize archives the finished game, publishes the result, and resets the
// slot to a fresh Init game with the next number. Must be called with the
// write lock held.
func (l *Ledger) finalize(now time.Time) {
	g := l.game
	rec := &rpsgame.GameRecord{
		GameNumber: g.GameNumber,
		Players:    g.Players,
		Choices:    g.Choices,
		Winner:     g.Winner,
		Reason:     g.Reason,
		Payouts:    l.payouts(g),
		EndedAt:    now,
	}

	if l.db != nil {
		if err := l.db.ArchiveGame(rec); err != nil {
			l.log.Errorf("ledger: archive game %d: %v", rec.GameNumber, err)
		}
	}
	l.lastGame = rec
	l.log.Infof("ledger: game %d over: winner=%d reason=%s", rec.GameNumber, rec.Winner, rec.Reason)

	l.hub.broadcast(Ntfn{
		Type:       NtfnGameOver,
		GameNumber: rec.GameNumber,
		Slot:       -1,
		Phase:      rpsgame.PhaseGameOver,
		Record:     rec,
		At:         now,
	})

	l.game = rpsgame.NewGame(g.GameNumber+1, now)
	l.hub.broadcast(Ntfn{
		Type:       NtfnPhaseChange,
		GameNumber: l.game.GameNumber,
		Slot:       -1,
		Phase:      rpsgame.PhaseInit,
		At:         now,
	})
}

// payouts books what each slot is owed out of the pot once the game
// resolved. The reason alone drives the split; no further economics are
// inferred. The bond exists to discourage non-participation, so the party a
// timeout was claimed against forfeits it.
func (l *Ledger) payouts(g rpsgame.Game) [2]int64 {
	stake := l.price + l.bond
	var p [2]int64
	switch g.Reason {
	case rpsgame.ReasonNormal:
		if g.Winner == rpsgame.NoWinner {
			p[0], p[1] = stake, stake
		} else {
			p[g.Winner] = 2*l.price + l.bond
			p[1-g.Winner] = l.bond
		}
	case rpsgame.ReasonAbort:
		p[g.Winner] = stake
		if g.Players[1-g.Winner] != "" {
			p[1-g.Winner] = l.price
		}
	case rpsgame.ReasonForfeit:
		p[g.Winner] = 2*l.price + l.bond
	}
	return p
}
