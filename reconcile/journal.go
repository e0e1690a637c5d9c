// Package reconcile tracks transactions whose on-chain outcome was unknown
// when their requester stopped waiting, and settles them later.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPending  = []byte("pending")
	bucketResolved = []byte("resolved")

	// ErrNotFound is returned when the journal holds no record for a hash.
	ErrNotFound = errors.New("reconcile: transaction not tracked")
)

// Status is the final fate of a tracked transaction.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusDropped   Status = "dropped"
)

// PendingTx is a broadcast transaction awaiting a final outcome.
type PendingTx struct {
	Hash        string    `json:"hash"`
	Nonce       uint64    `json:"nonce"`
	Op          string    `json:"op"`
	Session     string    `json:"session,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	TrackedAt   time.Time `json:"trackedAt"`
}

// Resolution records how a tracked transaction ended.
type Resolution struct {
	PendingTx
	Status     Status    `json:"status"`
	Block      uint64    `json:"block,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Journal persists tracked transactions in BoltDB so they survive restarts.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (and migrates) the journal at path.
func OpenJournal(path string, options *bolt.Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("reconcile: journal path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("reconcile: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketResolved} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the Bolt handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Track records p as pending. Tracking a hash twice keeps the first record.
func (j *Journal) Track(_ context.Context, p PendingTx) error {
	if strings.TrimSpace(p.Hash) == "" {
		return errors.New("reconcile: transaction hash required")
	}
	if p.TrackedAt.IsZero() {
		p.TrackedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		key := []byte(p.Hash)
		if tx.Bucket(bucketResolved).Get(key) != nil {
			return nil
		}
		pending := tx.Bucket(bucketPending)
		if pending.Get(key) != nil {
			return nil
		}
		return pending.Put(key, payload)
	})
}

// Pending lists tracked transactions ordered by nonce.
func (j *Journal) Pending(_ context.Context) ([]PendingTx, error) {
	var out []PendingTx
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var p PendingTx
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Nonce == out[b].Nonce {
			return out[a].TrackedAt.Before(out[b].TrackedAt)
		}
		return out[a].Nonce < out[b].Nonce
	})
	return out, nil
}

// Resolve moves the transaction from pending to resolved.
func (j *Journal) Resolve(_ context.Context, hash string, status Status, block uint64) (Resolution, error) {
	var res Resolution
	err := j.db.Update(func(tx *bolt.Tx) error {
		key := []byte(hash)
		pending := tx.Bucket(bucketPending)
		raw := pending.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &res.PendingTx); err != nil {
			return err
		}
		res.Status = status
		res.Block = block
		res.ResolvedAt = time.Now().UTC()
		payload, err := json.Marshal(res)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketResolved).Put(key, payload); err != nil {
			return err
		}
		return pending.Delete(key)
	})
	return res, err
}

// Resolution returns the recorded outcome of hash.
func (j *Journal) Resolution(_ context.Context, hash string) (Resolution, error) {
	var res Resolution
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResolved).Get([]byte(hash))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &res)
	})
	return res, err
}
