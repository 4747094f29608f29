// Package serverdb persists finished games for the rpsledger server.
package serverdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bigspider/rpsledger/rpsgame"
)

// ErrGameNotFound is returned when no archived game exists for a number.
var ErrGameNotFound = errors.New("game not found")

// ServerDB is the archive of completed games.
type ServerDB interface {
	// ArchiveGame stores the record of a finished game, keyed by game number.
	ArchiveGame(rec *rpsgame.GameRecord) error
	// FetchGame returns the archived record for the given game number.
	FetchGame(number uint64) (*rpsgame.GameRecord, error)
	// FetchLastGame returns the most recently archived record, or
	// ErrGameNotFound when the archive is empty.
	FetchLastGame() (*rpsgame.GameRecord, error)
	Close() error
}

var gamesBucket = []byte("games")

type boltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) a bbolt-backed archive at path.
func NewBoltDB(path string) (ServerDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(gamesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltDB{db: db}, nil
}

func gameKey(number uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], number)
	return k[:]
}

func (b *boltDB) ArchiveGame(rec *rpsgame.GameRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal game %d: %w", rec.GameNumber, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(gamesBucket).Put(gameKey(rec.GameNumber), v)
	})
}

func (b *boltDB) FetchGame(number uint64) (*rpsgame.GameRecord, error) {
	var rec *rpsgame.GameRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(gamesBucket).Get(gameKey(number))
		if v == nil {
			return ErrGameNotFound
		}
		rec = new(rpsgame.GameRecord)
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *boltDB) FetchLastGame() (*rpsgame.GameRecord, error) {
	var rec *rpsgame.GameRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		// Keys are big-endian game numbers, so the last key is the latest game.
		_, v := tx.Bucket(gamesBucket).Cursor().Last()
		if v == nil {
			return ErrGameNotFound
		}
		rec = new(rpsgame.GameRecord)
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *boltDB) Close() error {
	return b.db.Close()
}
