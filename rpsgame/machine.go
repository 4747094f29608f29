package rpsgame

import "time"

// The transition methods below are pure: each takes the current snapshot by
// value plus the action parameters and returns either the successor snapshot
// or a validation error, leaving the receiver untouched. Serializing
// concurrent actions against the live record is the ledger's job.

// Register assigns caller to the first empty slot. Filling the second slot
// advances the game to the commit phase and opens its timeout window.
func (g Game) Register(caller string, now time.Time) (Game, error) {
	if g.PlayerSlot(caller) >= 0 {
		return g, ErrAlreadyRegistered
	}
	if g.Phase != PhaseInit || g.PlayerCount() == 2 {
		return g, ErrGameFull
	}

	if g.Players[0] == "" {
		g.Players[0] = caller
		// The lone player's abort window counts from their own arrival.
		g.TimeoutStart = now
		return g, nil
	}

	g.Players[1] = caller
	g.Phase = PhaseCommit
	g.TimeoutStart = now
	return g, nil
}

// Commit records caller's commitment hash. A slot commits at most once and
// the hash is immutable afterwards. Both commitments advance the game to the
// reveal phase and reset the timeout window.
func (g Game) Commit(caller string, commitment Commitment, now time.Time) (Game, error) {
	if g.Phase != PhaseCommit {
		return g, ErrWrongPhase
	}
	slot := g.PlayerSlot(caller)
	if slot < 0 {
		return g, ErrNotAPlayer
	}
	if g.Committed[slot] {
		return g, ErrAlreadyCommitted
	}

	g.Commitments[slot] = commitment
	g.Committed[slot] = true

	if g.Committed[0] && g.Committed[1] {
		g.Phase = PhaseReveal
		g.TimeoutStart = now
	}
	return g, nil
}

// Reveal discloses caller's move and checks it against the recorded
// commitment. Once both slots have revealed, the match resolves and the game
// reaches GameOver with reason normal-completion.
func (g Game) Reveal(caller string, choice Choice, nonce Nonce, now time.Time) (Game, error) {
	if g.Phase != PhaseReveal {
		return g, ErrWrongPhase
	}
	slot := g.PlayerSlot(caller)
	if slot < 0 {
		return g, ErrNotAPlayer
	}
	if g.Revealed[slot] {
		return g, ErrAlreadyRevealed
	}
	if !choice.Valid() || !VerifyChoice(slot, choice, nonce, g.Commitments[slot]) {
		return g, ErrCommitmentMismatch
	}

	g.Choices[slot] = choice
	g.Revealed[slot] = true

	if g.Revealed[0] && g.Revealed[1] {
		g.Phase = PhaseGameOver
		g.Winner = ResolveWinner(g.Choices[0], g.Choices[1])
		g.Reason = ReasonNormal
	}
	return g, nil
}

// Abort ends a stalled game in caller's favor. It is only available once the
// timeout window has elapsed and the caller has done everything the current
// phase asks of them (see CanAbort).
func (g Game) Abort(caller string, now time.Time, window time.Duration) (Game, error) {
	slot := g.PlayerSlot(caller)
	if slot < 0 {
		return g, ErrNotAPlayer
	}
	if !IsTimedOut(now, g.TimeoutStart, window) {
		return g, ErrTimeoutNotReached
	}
	if !CanAbort(g, caller, now, window) {
		return g, ErrWrongPhase
	}

	g.Phase = PhaseGameOver
	g.Winner = slot
	g.Reason = ReasonAbort
	return g, nil
}

// Forfeit ends the reveal phase in caller's favor when the opponent failed
// to reveal within the timeout window (see CanForfeit).
func (g Game) Forfeit(caller string, now time.Time, window time.Duration) (Game, error) {
	slot := g.PlayerSlot(caller)
	if slot < 0 {
		return g, ErrNotAPlayer
	}
	if !IsTimedOut(now, g.TimeoutStart, window) {
		return g, ErrTimeoutNotReached
	}
	if !CanForfeit(g, caller, now, window) {
		return g, ErrWrongPhase
	}

	g.Phase = PhaseGameOver
	g.Winner = slot
	g.Reason = ReasonForfeit
	return g, nil
}

// ResolveWinner applies the classic cycle (rock beats scissors, scissors
// beats paper, paper beats rock) and returns the winning slot, or NoWinner
// on a draw.
func ResolveWinner(c0, c1 Choice) int {
	switch (int(c0) - int(c1) + 3) % 3 {
	case 1:
		return 0
	case 2:
		return 1
	}
	return NoWinner
}
