package rpsgame

import (
	crand "crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// CommitChoice computes the binding, hiding commitment for a move: the
// Keccak-256 digest of the tightly packed bytes
//
//	uint8(slot) || uint8(choice) || nonce[32]
//
// Including the slot index keeps the two players' commitments distinct even
// for the same move and nonce.
func CommitChoice(slot int, choice Choice, nonce Nonce) Commitment {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte{byte(slot), byte(choice)})
	h.Write(nonce[:])

	var c Commitment
	copy(c[:], h.Sum(nil))
	return c
}

// VerifyChoice recomputes the commitment for (slot, choice, nonce) and
// compares it against the published one in constant time.
func VerifyChoice(slot int, choice Choice, nonce Nonce, commitment Commitment) bool {
	want := CommitChoice(slot, choice, nonce)
	return subtle.ConstantTimeCompare(want[:], commitment[:]) == 1
}

// NewNonce draws a fresh 256-bit nonce from the system CSPRNG.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := crand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}
