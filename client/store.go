// client/store.go
package client

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	bucketReferral = []byte("referral")
	bucketQueue    = []byte("queue")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is the client's local persistent state: device identity, referral
// bookkeeping, and the offline sync queue. Backed by a single Bolt file.
type Store struct {
	db *bolt.DB
}

// Operation names a server call buffered for replay.
type Operation string

const (
	OpSyncReferralCode Operation = "sync_referral_code"
	OpRecordConversion Operation = "record_conversion"
	OpLinkAccount      Operation = "link_account"
)

// SyncQueueItem is one buffered mutating call. Items are keyed by a
// monotonically increasing sequence so iteration order is enqueue order.
type SyncQueueItem struct {
	ID         uint64          `json:"id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// LocalStats is the cumulative referral activity kept on-device.
type LocalStats struct {
	CodesShared         int        `json:"codes_shared"`
	ConversionsObserved int        `json:"conversions_observed"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
}

// NewStore opens (and migrates) the Bolt-backed store.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIdentity, bucketReferral, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Identity returns a persisted identity value (device id or fingerprint).
func (s *Store) Identity(key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketIdentity).Get([]byte(key)); raw != nil {
			value = string(raw)
			found = true
		}
		return nil
	})
	return value, found, err
}

// StoreIdentityIfAbsent persists value under key unless a value already
// exists; the stored value wins and is returned. First writer wins — two
// concurrent derivations can never leave two different ids behind.
func (s *Store) StoreIdentityIfAbsent(key, value string) (string, error) {
	final := value
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentity)
		if raw := bucket.Get([]byte(key)); raw != nil {
			final = string(raw)
			return nil
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	return final, err
}

// ResetIdentity drops a persisted identity value. Only for explicit resets.
func (s *Store) ResetIdentity(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Delete([]byte(key))
	})
}

// --- referral state ---

func (s *Store) putJSON(bucket []byte, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
}

func (s *Store) getJSON(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, v)
	})
}

// SetOwnedCodes replaces the locally cached list of codes this device owns.
func (s *Store) SetOwnedCodes(codes []string) error {
	return s.putJSON(bucketReferral, "owned_codes", codes)
}

// OwnedCodes returns the locally cached owned codes (empty when none cached).
func (s *Store) OwnedCodes() ([]string, error) {
	var codes []string
	if err := s.getJSON(bucketReferral, "owned_codes", &codes); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return codes, nil
}

// SetEnteredCode remembers which code this device typed in.
func (s *Store) SetEnteredCode(code string) error {
	return s.putJSON(bucketReferral, "entered_code", code)
}

// EnteredCode returns the code this device typed in, if any.
func (s *Store) EnteredCode() (string, error) {
	var code string
	if err := s.getJSON(bucketReferral, "entered_code", &code); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return code, nil
}

// AppendSentCode records a code shared with someone else (history only).
func (s *Store) AppendSentCode(code string) error {
	var history []string
	if err := s.getJSON(bucketReferral, "sent_history", &history); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	history = append(history, code)
	return s.putJSON(bucketReferral, "sent_history", history)
}

// SentCodes returns the share history.
func (s *Store) SentCodes() ([]string, error) {
	var history []string
	if err := s.getJSON(bucketReferral, "sent_history", &history); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return history, nil
}

// Stats returns the cumulative local stats.
func (s *Store) Stats() (LocalStats, error) {
	var stats LocalStats
	if err := s.getJSON(bucketReferral, "stats", &stats); err != nil && !errors.Is(err, ErrNotFound) {
		return stats, err
	}
	return stats, nil
}

// UpdateStats applies a mutation to the stats blob.
func (s *Store) UpdateStats(fn func(*LocalStats)) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}
	fn(&stats)
	return s.putJSON(bucketReferral, "stats", stats)
}

// --- sync queue ---

// AppendQueueItem buffers an operation at the tail of the queue.
func (s *Store) AppendQueueItem(op Operation, payload json.RawMessage) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		item := SyncQueueItem{
			ID:         seq,
			Operation:  op,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return bucket.Put(queueKey(seq), raw)
	})
	return id, err
}

// FirstQueueItem returns the head of the queue.
func (s *Store) FirstQueueItem() (*SyncQueueItem, bool, error) {
	var item SyncQueueItem
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketQueue).Cursor()
		_, raw := cursor.First()
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &item)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &item, true, nil
}

// DeleteQueueItem removes a replayed (or permanently rejected) item.
func (s *Store) DeleteQueueItem(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(queueKey(id))
	})
}

// QueueLen reports how many operations are waiting.
func (s *Store) QueueLen() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return count, err
}

func queueKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
