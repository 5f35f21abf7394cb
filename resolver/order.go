package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

const orderDelimiter = "_"

// FormatOrderID builds the identifier the initiating side attaches to a payment:
// channel_{subject}_{resource}_{days} or file_{subject}_{resource}. It refuses
// anything ResolveOrderID could not read back, such as a file id containing the
// delimiter.
func FormatOrderID(kind entitlement.Kind, subjectID int64, resourceID string, days int) (string, error) {
	parts := []string{string(kind), strconv.FormatInt(subjectID, 10), resourceID}
	if kind == entitlement.KindChannel {
		parts = append(parts, strconv.Itoa(days))
	}
	order := strings.Join(parts, orderDelimiter)
	if strings.Contains(resourceID, orderDelimiter) {
		return "", fmt.Errorf("%w: resource id %q contains %q", ErrMalformedPayload, resourceID, orderDelimiter)
	}
	if _, err := parseOrderID(order); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return order, nil
}

// parseOrderID applies the primary extraction rules. Channel orders have 4 parts,
// file orders 3.
func parseOrderID(order string) (Claim, error) {
	parts := strings.Split(strings.TrimSpace(order), orderDelimiter)
	if len(parts) < 3 {
		return Claim{}, fmt.Errorf("order %q: expected at least 3 parts, got %d", order, len(parts))
	}
	kind, ok := entitlement.ParseKind(parts[0])
	if !ok {
		return Claim{}, fmt.Errorf("order %q: unknown resource kind %q", order, parts[0])
	}

	want := 3
	if kind == entitlement.KindChannel {
		want = 4
	}
	if len(parts) != want {
		return Claim{}, fmt.Errorf("order %q: %s order needs %d parts, got %d", order, kind, want, len(parts))
	}

	subjectID, err := parseSubject(parts[1])
	if err != nil {
		return Claim{}, fmt.Errorf("order %q: %w", order, err)
	}
	resourceID := parts[2]
	if resourceID == "" {
		return Claim{}, fmt.Errorf("order %q: empty resource id", order)
	}

	c := Claim{SubjectID: subjectID, Kind: kind, ResourceID: resourceID}
	if kind == entitlement.KindChannel {
		if _, err := strconv.ParseInt(resourceID, 10, 64); err != nil {
			return Claim{}, fmt.Errorf("order %q: channel id %q is not numeric", order, resourceID)
		}
		days, err := strconv.Atoi(parts[3])
		if err != nil || days < 0 {
			return Claim{}, fmt.Errorf("order %q: bad duration %q", order, parts[3])
		}
		if days > entitlement.MaxDurationDays {
			return Claim{}, fmt.Errorf("order %q: duration %d exceeds %d days", order, days, entitlement.MaxDurationDays)
		}
		c.DurationDays = days
	}
	return c, nil
}

func parseSubject(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad subject id %q", s)
	}
	return id, nil
}
