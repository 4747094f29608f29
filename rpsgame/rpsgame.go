package rpsgame

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Choice is one of the three playable moves, encoded with the same integer
// codes the ledger stores (0, 1, 2).
type Choice uint8

const (
	Rock Choice = iota
	Paper
	Scissors
)

// Valid reports whether c is a playable move.
func (c Choice) Valid() bool {
	return c <= Scissors
}

func (c Choice) String() string {
	switch c {
	case Rock:
		return "rock"
	case Paper:
		return "paper"
	case Scissors:
		return "scissors"
	}
	return fmt.Sprintf("choice(%d)", uint8(c))
}

// Phase is the lifecycle stage of the current game slot.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseCommit
	PhaseReveal
	PhaseGameOver
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseGameOver:
		return "gameover"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Reason records why a game reached GameOver.
type Reason string

const (
	ReasonNormal  Reason = "normal-completion"
	ReasonAbort   Reason = "abort"
	ReasonForfeit Reason = "forfeiture"
)

// NoWinner is the Winner value for a game that is unresolved or ended in a
// draw.
const NoWinner = -1

// Commitment is the binding, hiding hash a player publishes during the
// commit phase.
type Commitment [32]byte

func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether no commitment has been recorded.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(c[:])), nil
}

func (c *Commitment) UnmarshalText(b []byte) error {
	return decode32("commitment", c[:], b)
}

// ParseCommitment decodes a 64-char hex string.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	err := decode32("commitment", c[:], []byte(s))
	return c, err
}

// Nonce is the 256-bit secret that makes a commitment hiding. It never
// leaves the committing client except as the input to reveal.
type Nonce [32]byte

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

func (n *Nonce) UnmarshalText(b []byte) error {
	return decode32("nonce", n[:], b)
}

// ParseNonce decodes a 64-char hex string.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	err := decode32("nonce", n[:], []byte(s))
	return n, err
}

func decode32(what string, dst []byte, src []byte) error {
	b, err := hex.DecodeString(string(src))
	if err != nil {
		return fmt.Errorf("bad %s %q: %w", what, src, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("bad %s: want 32 bytes, got %d", what, len(b))
	}
	copy(dst, b)
	return nil
}

// Game is an immutable snapshot of the single game slot. The authoritative
// ledger owns the live record; everything else works on value copies, so a
// transition returns a new snapshot instead of mutating in place.
type Game struct {
	GameNumber   uint64         `json:"gameNumber"`
	Phase        Phase          `json:"phase"`
	Players      [2]string      `json:"players"`
	Committed    [2]bool        `json:"committed"`
	Commitments  [2]Commitment  `json:"commitments"`
	Revealed     [2]bool        `json:"revealed"`
	Choices      [2]Choice      `json:"choices"`
	TimeoutStart time.Time      `json:"timeoutStartTime"`
	Winner       int            `json:"winner"`
	Reason       Reason         `json:"reason"`
}

// NewGame returns a fresh Init-phase game with the given number.
func NewGame(number uint64, now time.Time) Game {
	return Game{
		GameNumber:   number,
		Phase:        PhaseInit,
		TimeoutStart: now,
		Winner:       NoWinner,
	}
}

// PlayerSlot returns the slot index of account, or -1 if it is not playing.
func (g Game) PlayerSlot(account string) int {
	for i, p := range g.Players {
		if p != "" && p == account {
			return i
		}
	}
	return -1
}

// PlayerCount returns how many slots are filled.
func (g Game) PlayerCount() int {
	n := 0
	for _, p := range g.Players {
		if p != "" {
			n++
		}
	}
	return n
}

// GameRecord is the archived result of a finished game.
type GameRecord struct {
	GameNumber uint64    `json:"gameNumber"`
	Players    [2]string `json:"players"`
	Choices    [2]Choice `json:"choices"`
	Winner     int       `json:"winner"`
	Reason     Reason    `json:"reason"`
	// Payouts records, per slot, the atoms owed back out of the pot once the
	// game resolved. It is bookkeeping only; nothing here moves funds.
	Payouts [2]int64  `json:"payouts"`
	EndedAt time.Time `json:"endedAt"`
}
