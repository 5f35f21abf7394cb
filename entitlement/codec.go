package entitlement

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ForeverLiteral marks a non-expiring entry in the spreadsheet cell format.
const ForeverLiteral = "forever"

// cellTimeLayouts are tried in order when reading a cell. Older sheets were written
// with naive ISO timestamps, with and without fractional seconds.
var cellTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// FormatCell renders entries as "{resourceId}:{expiry}" pairs joined by ";".
// Pairs are ordered by resource id so the cell is stable across rewrites.
func FormatCell(entries []Entitlement) string {
	sorted := make([]Entitlement, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ResourceID < sorted[j].ResourceID })

	parts := make([]string, 0, len(sorted))
	for _, e := range sorted {
		exp := ForeverLiteral
		if e.ExpiresAt != nil {
			exp = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		parts = append(parts, e.ResourceID+":"+exp)
	}
	return strings.Join(parts, ";")
}

// ParseCell reads a cell written by FormatCell or by an older bot version. The kind
// is inferred from the resource id because the format does not carry it.
func ParseCell(subjectID int64, cell string) ([]Entitlement, error) {
	var out []Entitlement
	for _, pair := range strings.Split(cell, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("bad entitlement pair %q", pair)
		}
		resourceID := pair[:idx]
		raw := strings.TrimSpace(pair[idx+1:])

		e := Entitlement{SubjectID: subjectID, ResourceID: resourceID, Kind: InferKind(resourceID)}
		if !strings.EqualFold(raw, ForeverLiteral) && raw != "" {
			exp, err := parseCellTime(raw)
			if err != nil {
				return nil, fmt.Errorf("bad expiry in pair %q: %w", pair, err)
			}
			e.ExpiresAt = &exp
		}
		out = append(out, e)
	}
	return out, nil
}

func parseCellTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range cellTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
