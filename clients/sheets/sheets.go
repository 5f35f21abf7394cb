// Package sheets keeps the entitlement ledger in a Google spreadsheet, one row per
// subject: A subject id, B "{resourceId}:{expiry}" pairs joined by ";", C the time the
// row was first written. Every entry of a row reads back with C as its grant time.
package sheets

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

// Table is the row access the ledger needs. Row index 0 is the first data row
// (sheet row 2). Delete clears a row without shifting the ones below it.
type Table interface {
	Rows(ctx context.Context) ([][]string, error)
	Append(ctx context.Context, row []string) error
	Update(ctx context.Context, index int, row []string) error
	Delete(ctx context.Context, index int) error
}

type Store struct {
	table  Table
	logger *zap.Logger
	now    func() time.Time
	// mu serializes read-modify-write cycles on a row.
	mu sync.Mutex
}

func New(table Table, logger *zap.Logger) *Store {
	return &Store{table: table, logger: logger, now: time.Now}
}

type row struct {
	index   int
	subject int64
	entries []entitlement.Entitlement
	granted time.Time
	err     error
}

func (s *Store) rows(ctx context.Context) ([]row, error) {
	raw, err := s.table.Rows(ctx)
	if err != nil {
		return nil, entitlement.Unavailable("read sheet", err)
	}
	out := make([]row, 0, len(raw))
	for i, cells := range raw {
		if len(cells) == 0 || strings.TrimSpace(cells[0]) == "" {
			continue
		}
		subject, err := strconv.ParseInt(strings.TrimSpace(cells[0]), 10, 64)
		if err != nil {
			s.logger.Warn("skipping sheet row with bad subject id", zap.Int("row", i+2), zap.String("value", cells[0]))
			continue
		}
		r := row{index: i, subject: subject}
		if len(cells) > 2 {
			// older rows may carry no time or a local layout; those read as zero
			r.granted, _ = time.Parse(time.RFC3339, strings.TrimSpace(cells[2]))
		}
		if len(cells) > 1 {
			r.entries, r.err = entitlement.ParseCell(subject, cells[1])
		}
		for j := range r.entries {
			r.entries[j].GrantedAt = r.granted
		}
		out = append(out, r)
	}
	return out, nil
}

func find(rows []row, subjectID int64) *row {
	for i := range rows {
		if rows[i].subject == subjectID {
			return &rows[i]
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, subjectID int64, resourceID string) (*entitlement.Entitlement, error) {
	rows, err := s.rows(ctx)
	if err != nil {
		return nil, err
	}
	r := find(rows, subjectID)
	if r == nil {
		return nil, nil
	}
	if r.err != nil {
		return nil, entitlement.Unavailable("parse sheet row", r.err)
	}
	for _, e := range r.entries {
		if e.ResourceID == resourceID {
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Store) Put(ctx context.Context, e entitlement.Entitlement) error {
	return s.modify(ctx, "put", e.SubjectID, e.GrantedAt, func(entries []entitlement.Entitlement) []entitlement.Entitlement {
		out := entries[:0]
		for _, cur := range entries {
			if cur.ResourceID != e.ResourceID {
				out = append(out, cur)
			}
		}
		return append(out, e)
	})
}

func (s *Store) Remove(ctx context.Context, subjectID int64, resourceID string) error {
	return s.modify(ctx, "remove", subjectID, time.Time{}, func(entries []entitlement.Entitlement) []entitlement.Entitlement {
		out := entries[:0]
		for _, cur := range entries {
			if cur.ResourceID != resourceID {
				out = append(out, cur)
			}
		}
		return out
	})
}

// modify rewrites a subject's row. granted stamps column C only when the row is new.
func (s *Store) modify(ctx context.Context, op string, subjectID int64, granted time.Time, fn func([]entitlement.Entitlement) []entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.rows(ctx)
	if err != nil {
		return err
	}
	r := find(rows, subjectID)
	if r != nil && r.err != nil {
		// never overwrite a cell we cannot read
		return entitlement.Unavailable(op, fmt.Errorf("row %d: %w", r.index+2, r.err))
	}

	var current []entitlement.Entitlement
	if r != nil {
		current = r.entries
		granted = r.granted
	}
	if granted.IsZero() {
		granted = s.now()
	}
	next := fn(current)

	switch {
	case r == nil && len(next) == 0:
		return nil
	case r == nil:
		err = s.table.Append(ctx, format(subjectID, next, granted))
	case len(next) == 0:
		err = s.table.Delete(ctx, r.index)
	default:
		err = s.table.Update(ctx, r.index, format(subjectID, next, granted))
	}
	if err != nil {
		return entitlement.Unavailable(op, err)
	}
	return nil
}

func format(subjectID int64, entries []entitlement.Entitlement, granted time.Time) []string {
	return []string{
		strconv.FormatInt(subjectID, 10),
		entitlement.FormatCell(entries),
		granted.UTC().Format(time.RFC3339),
	}
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[entitlement.Entitlement, error] {
	return entitlement.ScanExpired(ctx, now, s.List)
}

// List skips rows whose cell cannot be parsed so one bad row does not stop the
// sweeper; they are logged instead.
func (s *Store) List(ctx context.Context) ([]entitlement.Entitlement, error) {
	rows, err := s.rows(ctx)
	if err != nil {
		return nil, err
	}
	var out []entitlement.Entitlement
	for _, r := range rows {
		if r.err != nil {
			s.logger.Warn("skipping unreadable sheet row", zap.Int("row", r.index+2), zap.Int64("subject_id", r.subject), zap.Error(r.err))
			continue
		}
		out = append(out, r.entries...)
	}
	entitlement.SortEntitlements(out)
	return out, nil
}
