// Package store is the encrypted, embedded-database backing for every
// persisted entity: identity, contacts, conversations, messages,
// reactions, ratchet sessions, file records, transfers and settings.
// Every value is sealed under a master key handed in by the caller (the
// vault package owns unsealing that key from a passphrase); the bucket
// structure is plaintext, matching the teacher's own bbolt layout.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/noctua-im/noctua/internal/seal"
)

// Bucket names, one per entity kind plus bookkeeping buckets.
const (
	bucketSchema        = "schema"
	bucketIdentity      = "identity"
	bucketContacts      = "contacts"
	bucketConversations = "conversations"
	bucketMessages      = "messages"
	bucketReactions     = "reactions"
	bucketSessions      = "sessions"
	bucketFiles         = "files"
	bucketTransfers     = "transfers"
	bucketSettings      = "settings"
	bucketCounters      = "counters"

	schemaVersionKey = "version"
	currentSchema    = 1

	cipherInfo = "store-value-v1"
)

var allBuckets = []string{
	bucketSchema, bucketIdentity, bucketContacts, bucketConversations,
	bucketMessages, bucketReactions, bucketSessions, bucketFiles,
	bucketTransfers, bucketSettings, bucketCounters,
}

var (
	ErrMissingBucket  = errors.New("store: bucket not found")
	ErrNotFound       = errors.New("store: item not found")
	ErrCorrupted      = errors.New("store: value failed to decrypt")
	ErrVersionMismatch = errors.New("store: schema version mismatch")
	ErrConflict       = errors.New("store: uniqueness constraint violated")
	ErrDenied         = errors.New("store: requester is not permitted to perform this mutation")
)

// Store is the encrypted store. Every exported entity method below is a
// thin wrapper around Command/Query closures, following the teacher's
// pkg/store/command.go + query.go split.
type Store struct {
	db     *bolt.DB
	cipher *seal.Box
}

// Open opens (creating if necessary) the bbolt file at path, encrypting
// every value with an AEAD box keyed from masterKey. masterKey must
// already be unsealed by the vault; Store never sees a passphrase.
func Open(path string, masterKey []byte) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	cipher, err := seal.New(masterKey, nil, []byte(cipherInfo))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("building store cipher: %w", err)
	}

	s := &Store{db: db, cipher: cipher}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		schema := tx.Bucket([]byte(bucketSchema))
		raw := schema.Get([]byte(schemaVersionKey))
		if raw == nil {
			return schema.Put([]byte(schemaVersionKey), []byte{currentSchema})
		}
		if raw[0] != currentSchema {
			return fmt.Errorf("%w: have %d, want %d", ErrVersionMismatch, raw[0], currentSchema)
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Command runs fn inside a read-write transaction.
func (s *Store) Command(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{store: s, tx: tx})
	})
}

// Query runs fn inside a read-only transaction.
func (s *Store) Query(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{store: s, tx: tx})
	})
}

// Tx is the per-transaction handle passed into Command/Query closures,
// generalising the teacher's pkg/store Command/Query split into a single
// type usable from both read and write transactions (bbolt itself already
// distinguishes read-only at the *bolt.Tx level via tx.Writable()).
type Tx struct {
	store *Store
	tx    *bolt.Tx
}

func (t *Tx) bucket(name string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, ErrMissingBucket
	}
	return b, nil
}

func (t *Tx) putEncrypted(bucket, key string, plaintext []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), t.store.cipher.Seal(plaintext, []byte(key)))
}

func (t *Tx) getEncrypted(bucket, key string) ([]byte, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, ErrNotFound
	}
	plaintext, err := t.store.cipher.Open(raw, []byte(key))
	if err != nil {
		return nil, ErrCorrupted
	}
	return plaintext, nil
}

func (t *Tx) delete(bucket, key string) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete([]byte(key))
}

// nextContactID returns a monotonically increasing integer, used for
// contact_id assignment (spec §3: "contact_id is a local auto-assigned
// integer"). Messages, files and transfers carry UUIDs generated by their
// owning component, and conversations reuse the contact ID, so this is
// the store's only integer sequence.
func (t *Tx) nextContactID() (uint64, error) {
	b, err := t.bucket(bucketCounters)
	if err != nil {
		return 0, err
	}
	return b.NextSequence()
}
