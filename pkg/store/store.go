package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/moored/moor/pkg/types"
)

var (
	// Bucket names
	bucketRuns        = []byte("runs")
	bucketTransitions = []byte("transitions")
)

// Outcome is the terminal state of a recorded run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Run is the persisted record of one deployment run. The request is
// stored redacted; the credential never reaches disk.
type Run struct {
	ID        string
	Request   types.DeploymentRequest
	StartedAt time.Time
	EndedAt   time.Time
	Stage     types.Stage // last stage reached
	Outcome   Outcome
	Error     string
	Endpoint  string // external URL on success

	// PreviousLive reports whether a prior release was still serving
	// when a failed run ended: the operator's blast radius
	PreviousLive bool
}

// Transition is one append-only stage transition record.
type Transition struct {
	RunID   string
	Stage   types.Stage
	At      time.Time
	Message string
}

// Store records deployment runs and their stage transitions in a
// BoltDB file, append-only.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the run history store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "moor.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketTransitions} {
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

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun upserts a run record, redacting the request first.
func (s *Store) SaveRun(run *Run) error {
	redacted := *run
	redacted.Request = run.Request.Redacted()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(&redacted)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run not found: %s", id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns all recorded runs, most recent first.
func (s *Store) ListRuns() ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// AppendTransition appends a stage transition for a run. Keys are
// runID-scoped and time-ordered so a prefix scan replays a run's
// history in order.
func (s *Store) AppendTransition(tr *Transition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", tr.RunID, seq)
		data, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// ListTransitions returns a run's stage transitions in append order.
func (s *Store) ListTransitions(runID string) ([]*Transition, error) {
	prefix := []byte(runID + "/")
	var transitions []*Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var tr Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			transitions = append(transitions, &tr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transitions, nil
}
