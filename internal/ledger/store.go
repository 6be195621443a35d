package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

var (
	bucketRecipients  = []byte("recipients")
	bucketDaily       = []byte("daily_counters")
	bucketSuspensions = []byte("suspensions")
)

// Store implements the ledger on BoltDB. Bolt gives single-writer
// transactions, so all mutating operations are serialized and either
// commit atomically or leave the file untouched.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecipients, bucketDaily, bucketSuspensions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsSent reports whether addr has a ledger entry.
func (s *Store) IsSent(addr string) (bool, error) {
	key := []byte(mailaddr.Normalize(addr))
	var sent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		sent = tx.Bucket(bucketRecipients).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return sent, nil
}

// Entry returns the ledger entry for addr, or nil if addr was never sent to.
func (s *Store) Entry(addr string) (*Entry, error) {
	key := []byte(mailaddr.Normalize(addr))
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecipients).Get(key)
		if data == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return entry, nil
}

// RecordSend records a successful send to addr by identityID on day.
// Idempotent in the entry sense: a second record for the same address
// merges into the existing entry, appending the identity only if absent.
func (s *Store) RecordSend(addr, name, identityID, day string, now time.Time) error {
	key := []byte(mailaddr.Normalize(addr))

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecipients)

		entry := Entry{}
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("corrupt ledger entry for %s: %w", key, err)
			}
			entry.LastSent = day
			entry.SendCount++
			entry.SendDates = append(entry.SendDates, day)
			if !contains(entry.Identities, identityID) {
				entry.Identities = append(entry.Identities, identityID)
			}
		} else {
			entry = Entry{
				Address:    string(key),
				Name:       name,
				FirstSent:  day,
				LastSent:   day,
				SendCount:  1,
				Identities: []string{identityID},
				SendDates:  []string{day},
			}
		}
		entry.UpdatedAt = now

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: record send for %s: %v", ErrPersistence, addr, err)
	}
	return nil
}

func dailyKey(identityID, day string) []byte {
	return []byte(day + "|" + identityID)
}

// DailyCount returns the number of sends identityID made on day.
func (s *Store) DailyCount(identityID, day string) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = decodeCount(tx.Bucket(bucketDaily).Get(dailyKey(identityID, day)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return count, nil
}

// IncrementDaily atomically increments the (identity, day) counter and
// returns the new value.
func (s *Store) IncrementDaily(identityID, day string) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDaily)
		key := dailyKey(identityID, day)
		count = decodeCount(bucket.Get(key)) + 1
		return bucket.Put(key, encodeCount(count))
	})
	if err != nil {
		return 0, fmt.Errorf("%w: increment daily counter for %s: %v", ErrPersistence, identityID, err)
	}
	return count, nil
}

// TryIncrementDaily increments the (identity, day) counter only if the
// current value is strictly below quota, so the counter can reach quota
// but never exceed it. The check and increment happen inside one write
// transaction; concurrent workers cannot both claim the last slot.
// Returns the counter value after the call and whether the slot was taken.
func (s *Store) TryIncrementDaily(identityID, day string, quota int) (int, bool, error) {
	var (
		count int
		ok    bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDaily)
		key := dailyKey(identityID, day)
		count = decodeCount(bucket.Get(key))
		if count >= quota {
			return nil
		}
		count++
		ok = true
		return bucket.Put(key, encodeCount(count))
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: reserve daily slot for %s: %v", ErrPersistence, identityID, err)
	}
	return count, ok, nil
}

// ReleaseDaily undoes one TryIncrementDaily reservation after a failed
// send. The counter never goes below zero.
func (s *Store) ReleaseDaily(identityID, day string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDaily)
		key := dailyKey(identityID, day)
		count := decodeCount(bucket.Get(key))
		if count <= 0 {
			return nil
		}
		return bucket.Put(key, encodeCount(count - 1))
	})
	if err != nil {
		return fmt.Errorf("%w: release daily slot for %s: %v", ErrPersistence, identityID, err)
	}
	return nil
}

// DayTotals returns per-identity counts for day.
func (s *Store) DayTotals(day string) (map[string]int, error) {
	totals := make(map[string]int)
	prefix := []byte(day + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDaily).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			totals[string(k[len(prefix):])] = decodeCount(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read day totals: %w", err)
	}
	return totals, nil
}

// Suspension returns the persisted suspension for identityID, or nil.
func (s *Store) Suspension(identityID string) (*Suspension, error) {
	var susp *Suspension
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuspensions).Get([]byte(identityID))
		if data == nil {
			return nil
		}
		susp = &Suspension{}
		return json.Unmarshal(data, susp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read suspension: %w", err)
	}
	return susp, nil
}

// SetSuspension persists a suspension so cooldowns survive restarts.
func (s *Store) SetSuspension(identityID string, until time.Time, reason string) error {
	susp := Suspension{IdentityID: identityID, Until: until, Reason: reason}
	data, err := json.Marshal(&susp)
	if err != nil {
		return fmt.Errorf("failed to marshal suspension: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuspensions).Put([]byte(identityID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: set suspension for %s: %v", ErrPersistence, identityID, err)
	}
	return nil
}

// ClearSuspension removes a persisted suspension.
func (s *Store) ClearSuspension(identityID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuspensions).Delete([]byte(identityID))
	})
	if err != nil {
		return fmt.Errorf("%w: clear suspension for %s: %v", ErrPersistence, identityID, err)
	}
	return nil
}

// Suspensions returns all persisted suspensions.
func (s *Store) Suspensions() ([]Suspension, error) {
	var out []Suspension
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuspensions).ForEach(func(k, v []byte) error {
			var susp Suspension
			if err := json.Unmarshal(v, &susp); err != nil {
				return fmt.Errorf("corrupt suspension for %s: %w", k, err)
			}
			out = append(out, susp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read suspensions: %w", err)
	}
	return out, nil
}

// Stats summarizes the recipient bucket.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt rows in stats
			}
			stats.Recipients++
			stats.TotalSends += entry.SendCount
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger stats: %w", err)
	}
	return stats, nil
}

// Export writes every ledger entry as one JSON object per line.
func (s *Store) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt ledger entry for %s: %w", k, err)
			}
			return enc.Encode(&entry)
		})
	})
}

func decodeCount(v []byte) int {
	if v == nil {
		return 0
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0
	}
	return n
}

func encodeCount(n int) []byte {
	return []byte(strconv.Itoa(n))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
