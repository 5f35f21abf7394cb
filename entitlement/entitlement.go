// Package entitlement holds the ledger model: who may access which channel or file,
// and until when.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

// Kind tags what a resource identifier points at.
type Kind string

const (
	KindChannel Kind = "channel"
	KindFile    Kind = "file"
)

// ParseKind accepts the lower-case tag used in order identifiers and storage.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindChannel:
		return KindChannel, true
	case KindFile:
		return KindFile, true
	}
	return "", false
}

// InferKind guesses the kind of a bare resource id. Telegram chat ids are integers,
// file ids are not.
func InferKind(resourceID string) Kind {
	if _, err := strconv.ParseInt(resourceID, 10, 64); err == nil {
		return KindChannel
	}
	return KindFile
}

// Key addresses one entitlement.
type Key struct {
	SubjectID  int64
	ResourceID string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.SubjectID, k.ResourceID)
}

// Entitlement is a grant of access. A nil ExpiresAt means it never expires.
type Entitlement struct {
	SubjectID  int64      `json:"subject_id"`
	ResourceID string     `json:"resource_id"`
	Kind       Kind       `json:"kind"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
}

func (e Entitlement) Key() Key {
	return Key{SubjectID: e.SubjectID, ResourceID: e.ResourceID}
}

func (e Entitlement) Forever() bool {
	return e.ExpiresAt == nil
}

// Expired reports whether the expiry is at or before now. Forever grants never expire.
func (e Entitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Live is the negation of Expired.
func (e Entitlement) Live(now time.Time) bool {
	return !e.Expired(now)
}

// MaxDurationDays bounds a paid period. Anything longer is a malformed order,
// not a purchase.
const MaxDurationDays = 36500

// ExpiryFor returns now plus days calendar days, or nil (forever) when days is not
// positive. Counts above MaxDurationDays are clamped.
func ExpiryFor(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	exp := now.AddDate(0, 0, min(days, MaxDurationDays))
	return &exp
}

var (
	ErrStoreUnavailable = errors.New("STORE_UNAVAILABLE")
	// ErrNotFound is returned by operations that need a live entitlement.
	ErrNotFound = errors.New("NO_ENTITLEMENT")
)

// Unavailable wraps a backend failure so callers can tell it apart from "not found".
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Store is the durable ledger. Get returns (nil, nil) when there is no entry.
// Put overwrites any entry with the same key.
type Store interface {
	Get(ctx context.Context, subjectID int64, resourceID string) (*Entitlement, error)
	Put(ctx context.Context, e Entitlement) error
	Remove(ctx context.Context, subjectID int64, resourceID string) error
	// ListExpired yields entries whose expiry is at or before now. The backing
	// store is read again every time the sequence is ranged over.
	ListExpired(ctx context.Context, now time.Time) iter.Seq2[Entitlement, error]
	List(ctx context.Context) ([]Entitlement, error)
}

// ScanExpired builds a ListExpired sequence for backends that can only load
// everything at once. load runs when iteration starts, not when ScanExpired is called.
func ScanExpired(ctx context.Context, now time.Time, load func(context.Context) ([]Entitlement, error)) iter.Seq2[Entitlement, error] {
	return func(yield func(Entitlement, error) bool) {
		all, err := load(ctx)
		if err != nil {
			yield(Entitlement{}, err)
			return
		}
		for _, e := range all {
			if !e.Expired(now) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
