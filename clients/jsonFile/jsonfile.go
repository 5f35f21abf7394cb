// Package jsonfile keeps the entitlement ledger in a single JSON document on disk.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

const lockRetryDelay = 50 * time.Millisecond

type Store struct {
	path string
	lock *flock.Flock
	// mu serializes goroutines of this process; the file lock covers other processes.
	mu sync.Mutex
}

type record struct {
	Kind      entitlement.Kind `json:"kind"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"` // absent = forever
	GrantedAt time.Time        `json:"granted_at"`
}

// document maps subject id -> resource id -> record.
type document map[string]map[string]record

func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, entitlement.Unavailable("create ledger dir", err)
		}
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *Store) Get(ctx context.Context, subjectID int64, resourceID string) (*entitlement.Entitlement, error) {
	var found *entitlement.Entitlement
	err := s.read(ctx, func(doc document) {
		if r, ok := doc[strconv.FormatInt(subjectID, 10)][resourceID]; ok {
			e := r.entitlement(subjectID, resourceID)
			found = &e
		}
	})
	return found, err
}

func (s *Store) Put(ctx context.Context, e entitlement.Entitlement) error {
	return s.update(ctx, "put", func(doc document) {
		subject := strconv.FormatInt(e.SubjectID, 10)
		if doc[subject] == nil {
			doc[subject] = map[string]record{}
		}
		doc[subject][e.ResourceID] = record{Kind: e.Kind, ExpiresAt: e.ExpiresAt, GrantedAt: e.GrantedAt}
	})
}

func (s *Store) Remove(ctx context.Context, subjectID int64, resourceID string) error {
	return s.update(ctx, "remove", func(doc document) {
		subject := strconv.FormatInt(subjectID, 10)
		delete(doc[subject], resourceID)
		if len(doc[subject]) == 0 {
			delete(doc, subject)
		}
	})
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[entitlement.Entitlement, error] {
	return entitlement.ScanExpired(ctx, now, s.List)
}

func (s *Store) List(ctx context.Context) ([]entitlement.Entitlement, error) {
	var out []entitlement.Entitlement
	err := s.read(ctx, func(doc document) {
		for subject, resources := range doc {
			id, err := strconv.ParseInt(subject, 10, 64)
			if err != nil {
				continue
			}
			for resource, r := range resources {
				out = append(out, r.entitlement(id, resource))
			}
		}
	})
	entitlement.SortEntitlements(out)
	return out, err
}

func (r record) entitlement(subjectID int64, resourceID string) entitlement.Entitlement {
	kind := r.Kind
	if kind == "" {
		kind = entitlement.InferKind(resourceID)
	}
	return entitlement.Entitlement{
		SubjectID:  subjectID,
		ResourceID: resourceID,
		Kind:       kind,
		ExpiresAt:  r.ExpiresAt,
		GrantedAt:  r.GrantedAt,
	}
}

func (s *Store) read(ctx context.Context, fn func(document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return entitlement.Unavailable("lock ledger", lockErr(err))
	}
	defer s.lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return entitlement.Unavailable("read ledger", err)
	}
	fn(doc)
	return nil
}

func (s *Store) update(ctx context.Context, op string, fn func(document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return entitlement.Unavailable("lock ledger", lockErr(err))
	}
	defer s.lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return entitlement.Unavailable(op, err)
	}
	fn(doc)
	if err := s.save(doc); err != nil {
		return entitlement.Unavailable(op, err)
	}
	return nil
}

func lockErr(err error) error {
	if err == nil {
		return errors.New("lock not acquired")
	}
	return err
}

// load re-reads the file on every call. A missing or empty file is an empty
// ledger; a corrupt one is an error, never silently reset.
func (s *Store) load() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return document{}, nil
	}

	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// save writes through a temp file and rename so a crash never leaves a torn ledger.
func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
