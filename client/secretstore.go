package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/bigspider/rpsledger/rpsgame"
)

// ErrSecretMissing is returned when no secret is stored for the requested
// slot and game. Without the nonce the commitment cannot be opened, so the
// protocol cannot recover: the player will eventually be forfeited against.
// Callers must report it distinctly from transient I/O errors.
var ErrSecretMissing = errors.New("no stored secret for this slot and game")

var secretsBucket = []byte("secrets")

const gameNumberKey = "gameNumber"

// SecretStore durably keeps a player's committed move and nonce between the
// commit and reveal steps, keyed by slot and bound to the game number they
// were written under. Secrets from a superseded game are never returned. The
// store is exclusively local: nothing in it is ever transmitted except as
// reveal input.
type SecretStore struct {
	db *bolt.DB
}

// OpenSecretStore opens (creating if needed) the secret store at path.
func OpenSecretStore(path string) (*SecretStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open secret store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SecretStore{db: db}, nil
}

// Save stores the secret for slot under gameNumber, dropping any entries
// left over from an earlier game. Callers invoke it exactly once per commit,
// immediately before submitting the commitment.
func (s *SecretStore) Save(gameNumber uint64, slot int, choice rpsgame.Choice, nonce rpsgame.Nonce) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(secretsBucket)

		if stored, ok := storedGameNumber(b); !ok || stored != gameNumber {
			// New game: throw away stale secrets from the previous one.
			for i := 0; i < 2; i++ {
				if err := b.Delete(choiceKey(i)); err != nil {
					return err
				}
				if err := b.Delete(nonceKey(i)); err != nil {
					return err
				}
			}
			var gn [8]byte
			binary.BigEndian.PutUint64(gn[:], gameNumber)
			if err := b.Put([]byte(gameNumberKey), gn[:]); err != nil {
				return err
			}
		}

		if err := b.Put(choiceKey(slot), []byte(strconv.Itoa(int(choice)))); err != nil {
			return err
		}
		return b.Put(nonceKey(slot), []byte(nonce.String()))
	})
}

// Load returns the secret stored for slot under gameNumber, or
// ErrSecretMissing when none exists (never written, cleared, or written for
// a different game).
func (s *SecretStore) Load(gameNumber uint64, slot int) (rpsgame.Choice, rpsgame.Nonce, error) {
	var choice rpsgame.Choice
	var nonce rpsgame.Nonce
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(secretsBucket)

		if stored, ok := storedGameNumber(b); !ok || stored != gameNumber {
			return ErrSecretMissing
		}
		cv := b.Get(choiceKey(slot))
		nv := b.Get(nonceKey(slot))
		if cv == nil || nv == nil {
			return ErrSecretMissing
		}

		ci, err := strconv.Atoi(string(cv))
		if err != nil {
			return fmt.Errorf("corrupt stored choice %q: %w", cv, err)
		}
		choice = rpsgame.Choice(ci)
		if !choice.Valid() {
			return fmt.Errorf("corrupt stored choice %d", ci)
		}
		nonce, err = rpsgame.ParseNonce(string(nv))
		return err
	})
	if err != nil {
		return 0, rpsgame.Nonce{}, err
	}
	return choice, nonce, nil
}

func (s *SecretStore) Close() error {
	return s.db.Close()
}

func storedGameNumber(b *bolt.Bucket) (uint64, bool) {
	v := b.Get([]byte(gameNumberKey))
	if len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

func choiceKey(slot int) []byte {
	return []byte(fmt.Sprintf("choice%d", slot))
}

func nonceKey(slot int) []byte {
	return []byte(fmt.Sprintf("nonce%d", slot))
}
