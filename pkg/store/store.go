// Package store persists task records in a BoltDB file. The manager hands it
// whole snapshots; the store never mutates in-memory state and serializes
// its own writes so debounced and immediate saves cannot interleave.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/w1217358955/BszM3u8Downloader/internal/logger"
	"github.com/w1217358955/BszM3u8Downloader/pkg/common"
)

const (
	tasksBucket = "tasks"
	// FileName is the store file inside the store directory.
	FileName = "tasks.db"

	// DefaultDebounce coalesces bursts of rapid updates into one write.
	DefaultDebounce = 500 * time.Millisecond
)

// Store is a durable taskId -> record store surviving process restarts.
type Store struct {
	db       *bolt.DB
	debounce time.Duration

	mu         sync.Mutex
	pending    map[string]common.TaskRecord
	pendingSeq uint64
	seq        uint64
	timer      *time.Timer
	closed     bool

	// writeMu serializes disk writes; written rejects snapshots that were
	// captured before one already on disk, so a slow debounced flush can
	// never overwrite a newer immediate save.
	writeMu sync.Mutex
	written uint64
}

// Open creates or opens the store under dir. A missing directory or file is
// a first run, not an error.
func Open(dir string, debounce time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, FileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tasksBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tasks bucket: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Store{db: db, debounce: debounce}, nil
}

// Load returns all persisted records. An empty store yields an empty map.
func (s *Store) Load() (map[string]common.TaskRecord, error) {
	records := make(map[string]common.TaskRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec common.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				logger.Warnf("skipping unreadable record %s: %v", k, err)
				return nil
			}
			records[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	return records, nil
}

// ScheduleSave queues a debounced asynchronous write of the snapshot. Later
// snapshots scheduled within the debounce window replace earlier ones. Write
// errors are logged; the next schedule retries.
func (s *Store) ScheduleSave(records map[string]common.TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	s.pending = records
	s.pendingSeq = s.seq
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flush)
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	records := s.pending
	seq := s.pendingSeq
	s.pending = nil
	s.timer = nil
	closed := s.closed
	s.mu.Unlock()

	if closed || records == nil {
		return
	}
	if err := s.write(records, seq); err != nil {
		logger.Errorf("debounced save failed: %v", err)
	}
}

// SaveNow writes the snapshot synchronously, superseding any pending
// debounced save. Used for lifecycle-critical transitions where losing the
// record on a crash would orphan files or duplicate tasks.
func (s *Store) SaveNow(records map[string]common.TaskRecord) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return s.write(records, seq)
}

// write commits a snapshot unless a newer one already reached disk.
func (s *Store) write(records map[string]common.TaskRecord, seq uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if seq < s.written {
		return nil
	}
	s.written = seq
	return s.writeSnapshot(records)
}

// writeSnapshot replaces the persisted set with the snapshot in one
// transaction.
func (s *Store) writeSnapshot(records map[string]common.TaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		var stale [][]byte
		err := bucket.ForEach(func(k, _ []byte) error {
			if _, ok := records[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		for id, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", id, err)
			}
			if err := bucket.Put([]byte(id), data); err != nil {
				return fmt.Errorf("failed to save record %s: %w", id, err)
			}
		}
		return nil
	})
}

// Close flushes any pending debounced save and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	seq := s.pendingSeq
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if pending != nil {
		if err := s.write(pending, seq); err != nil {
			logger.Errorf("final save failed: %v", err)
		}
	}

	// Wait out any in-flight write before closing the database.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}
