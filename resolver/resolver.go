// Package resolver turns an untrusted payment notification into a structured claim:
// who paid, and for which channel or file. It performs no I/O.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

var (
	ErrInvalidSignature    = errors.New("INVALID_SIGNATURE")
	ErrMalformedPayload    = errors.New("MALFORMED_PAYLOAD")
	ErrUnresolvableSubject = errors.New("UNRESOLVABLE_SUBJECT")
	// ErrNotPaid is neutral: the notification is valid but its status is not a success.
	ErrNotPaid = errors.New("NOT_PAID")
)

// Confidence records which extraction stage produced a claim.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // order identifier
	ConfidenceMedium Confidence = "medium" // structured note pattern
	ConfidenceLow    Confidence = "low"    // digit-run scan
)

// Claim is the resolved meaning of a payment notification. DurationDays 0 means forever.
type Claim struct {
	SubjectID    int64
	Kind         entitlement.Kind
	ResourceID   string
	DurationDays int

	Amount    decimal.Decimal
	Currency  string
	PaymentID string

	Confidence Confidence
	Path       string
	Raw        Notification
}

func (c Claim) Key() entitlement.Key {
	return entitlement.Key{SubjectID: c.SubjectID, ResourceID: c.ResourceID}
}

func (c Claim) String() string {
	return fmt.Sprintf("%s subject=%d resource=%s days=%d via=%s", c.Kind, c.SubjectID, c.ResourceID, c.DurationDays, c.Path)
}

// Resolver holds the optional signature verifier; everything else is stateless.
type Resolver struct {
	verifier *Verifier
}

// New returns a resolver. An empty secret disables signature enforcement.
func New(secret, algo string) (*Resolver, error) {
	if secret == "" {
		return &Resolver{}, nil
	}
	v, err := NewVerifier(secret, algo)
	if err != nil {
		return nil, err
	}
	return &Resolver{verifier: v}, nil
}

// Verifier exposes the configured verifier, nil when signatures are not enforced.
func (r *Resolver) Verifier() *Verifier {
	return r.verifier
}

// Resolve verifies and decodes n. Failures are one of the package errors; Resolve
// never panics on malformed input.
func (r *Resolver) Resolve(n Notification) (Claim, error) {
	if r.verifier != nil {
		if err := r.verifier.Verify(n); err != nil {
			return Claim{}, err
		}
	}
	if !n.Succeeded() {
		return Claim{}, fmt.Errorf("%w: status %q", ErrNotPaid, n.Status())
	}

	c, err := r.extract(n)
	if err != nil {
		return Claim{}, err
	}
	c.Raw = n
	c.Currency = n.Currency()
	c.PaymentID = n.PaymentID()
	if amount, err := decimal.NewFromString(strings.ReplaceAll(n.Amount(), ",", ".")); err == nil {
		c.Amount = amount
	}
	return c, nil
}

// ResolveOrderID runs only the primary path. Operators use it to reprocess an order
// identifier copied from an alert.
func ResolveOrderID(order string) (Claim, error) {
	c, err := parseOrderID(order)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	c.Confidence = ConfidenceHigh
	c.Path = "order_id"
	return c, nil
}

func (r *Resolver) extract(n Notification) (Claim, error) {
	order := n.OrderID()
	note := n.Note()
	if order == "" && note == "" {
		return Claim{}, fmt.Errorf("%w: no order identifier or note", ErrMalformedPayload)
	}

	var primaryErr error
	if order != "" {
		c, err := ResolveOrderID(order)
		if err == nil {
			return c, nil
		}
		primaryErr = err
	}
	if note == "" {
		return Claim{}, primaryErr
	}

	c, name, err := matchNotePatterns(note)
	switch {
	case err == nil:
		c.Confidence = ConfidenceMedium
		c.Path = "note:" + name
		return c, nil
	case !errors.Is(err, errNoMatch):
		return Claim{}, err
	}

	c, err = matchLastResort(note)
	if err != nil {
		return Claim{}, err
	}
	c.Confidence = ConfidenceLow
	c.Path = "last_resort"
	return c, nil
}
