package rpsgame

import "time"

// IsTimedOut reports whether the timeout window that opened at start has
// elapsed. The comparison is strict: at exactly start+window the window is
// still open.
func IsTimedOut(now, start time.Time, window time.Duration) bool {
	return now.After(start.Add(window))
}

// CanAbort reports whether caller may currently abort the game: they must be
// a registered player, the timeout window must have elapsed, and the game
// must be stalled on the opponent: either Init with an empty slot, or
// Commit with the caller's own commitment already in.
//
// Clients recompute this continuously to drive UI affordances; the ledger
// applies the same predicate as the final arbiter.
func CanAbort(g Game, caller string, now time.Time, window time.Duration) bool {
	slot := g.PlayerSlot(caller)
	if slot < 0 || !IsTimedOut(now, g.TimeoutStart, window) {
		return false
	}
	switch g.Phase {
	case PhaseInit:
		return g.PlayerCount() < 2
	case PhaseCommit:
		return g.Committed[slot]
	}
	return false
}

// CanForfeit reports whether caller may claim victory by forfeiture: reveal
// phase, window elapsed, caller revealed, opponent did not.
func CanForfeit(g Game, caller string, now time.Time, window time.Duration) bool {
	slot := g.PlayerSlot(caller)
	if slot < 0 || !IsTimedOut(now, g.TimeoutStart, window) {
		return false
	}
	return g.Phase == PhaseReveal && g.Revealed[slot] && !g.Revealed[1-slot]
}
