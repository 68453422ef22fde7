// Package history keeps a local journal of reconciliation runs so a failed
// or partial pass can be inspected after the fact.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/doughall/mcbridge/internal/inspect"
	"github.com/doughall/mcbridge/internal/plan"
	"github.com/doughall/mcbridge/internal/services"
)

const runsBucket = "runs"

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Record is one reconciliation run.
type Record struct {
	Seq        uint64    `json:"seq" yaml:"seq"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	DryRun     bool      `json:"dry_run" yaml:"dry_run"`

	Host inspect.Host `json:"host" yaml:"host"`

	PlanID   string      `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	Steps    int         `json:"steps" yaml:"steps"`
	Executed int         `json:"executed" yaml:"executed"`
	Status   plan.Status `json:"status,omitempty" yaml:"status,omitempty"`
	Fault    *plan.Fault `json:"fault,omitempty" yaml:"fault,omitempty"`

	Services []services.Status `json:"services,omitempty" yaml:"services,omitempty"`

	// Error is the run-level failure, if any.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is how long the run took.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OK reports whether the run reached the desired state.
func (r *Record) OK() bool {
	return r.Error == "" && r.Fault == nil
}

// Journal is a bbolt-backed run journal.
type Journal struct {
	db *bolt.DB
}

// DefaultPath returns the journal location: /var/lib/mcbridge for root,
// the XDG state directory otherwise.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/var/lib/mcbridge/history.db"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "mcbridge", "history.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "mcbridge", "history.db")
	}
	return filepath.Join(os.TempDir(), "mcbridge-history.db")
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Append stores r and assigns its sequence number.
func (j *Journal) Append(r *Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))

		seq, _ := b.NextSequence()
		r.Seq = seq

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]*Record, error) {
	var records []*Record

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, &r)
		}
		return nil
	})

	return records, err
}

// Get finds a record by run id, searching newest first.
func (j *Journal) Get(runID string) (*Record, error) {
	var found *Record

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.RunID == runID {
				found = &r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	return found, nil
}

// Prune keeps the newest keep records and deletes the rest. It returns the
// number deleted.
func (j *Journal) Prune(keep int) (int, error) {
	deleted := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Count returns the number of records.
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(runsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
