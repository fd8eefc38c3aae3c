package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	runsBucket   = []byte("runs")
	relaysBucket = []byte("relays")
)

// Run is the summary of a single pipeline execution.
type Run struct {
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
	Kind       int           `json:"kind"`
	Candidates int           `json:"candidates"`
	Capable    int           `json:"capable"`
	Located    int           `json:"located"`
	ID         uuid.UUID     `json:"id"`
	Duration   time.Duration `json:"-"`
}

// Store persists run summaries and the last time each relay was found capable.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{runsBucket, relaysBucket} {
			_, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores the run and marks each capable relay as seen at the run
// finish time. A run without an ID is assigned a time ordered one.
func (s *Store) RecordRun(run Run, capable []string) (Run, error) {
	if run.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return Run{}, err
		}
		run.ID = id
	}
	if run.Finished.IsZero() {
		run.Finished = time.Now()
	}
	b, err := json.Marshal(run)
	if err != nil {
		return Run{}, err
	}
	seen := make([]byte, 8)
	binary.BigEndian.PutUint64(seen, uint64(run.Finished.UnixNano()))

	err = s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(runsBucket).Put(runKey(run), b)
		if err != nil {
			return err
		}
		relays := tx.Bucket(relaysBucket)
		for _, relay := range capable {
			err := relays.Put([]byte(relay), seen)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, fmt.Errorf("could not record run %s: %w", run.ID, err)
	}
	run.Duration = run.Finished.Sub(run.Started)
	return run, nil
}

// Runs returns up to limit runs, newest first. A limit of zero returns all runs.
func (s *Store) Runs(limit int) ([]Run, error) {
	runs := []Run{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				return nil
			}
			run := Run{}
			err := json.Unmarshal(v, &run)
			if err != nil {
				return fmt.Errorf("could not decode run %x: %w", k, err)
			}
			run.Duration = run.Finished.Sub(run.Started)
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LastCapable returns when the relay was last recorded as capable.
func (s *Store) LastCapable(relay string) (time.Time, bool, error) {
	var seen time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(relaysBucket).Get([]byte(relay))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("invalid timestamp for relay %s", relay)
		}
		seen = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		found = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return seen, found, nil
}

// runKey orders runs by start time with the id as tie breaker.
func runKey(run Run) []byte {
	key := make([]byte, 8, 8+len(run.ID))
	binary.BigEndian.PutUint64(key, uint64(run.Started.UnixNano()))
	return append(key, run.ID[:]...)
}
