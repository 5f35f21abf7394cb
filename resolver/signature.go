package resolver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	AlgoHMACSHA256 = "hmac-sha256"
	AlgoBLAKE2b    = "blake2b"
)

// Verifier checks the keyed hash a provider attaches to a notification.
type Verifier struct {
	algo   string
	secret []byte
}

func NewVerifier(secret, algo string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("signature secret is empty")
	}
	algo = strings.ToLower(strings.TrimSpace(algo))
	if algo == "" {
		algo = AlgoHMACSHA256
	}
	if algo != AlgoHMACSHA256 && algo != AlgoBLAKE2b {
		return nil, fmt.Errorf("unknown signature algorithm %q", algo)
	}
	return &Verifier{algo: algo, secret: []byte(secret)}, nil
}

func (v *Verifier) newHash() (hash.Hash, error) {
	if v.algo == AlgoBLAKE2b {
		// keyed BLAKE2b accepts keys up to 64 bytes
		key := v.secret
		if len(key) > blake2b.Size {
			sum := blake2b.Sum256(key)
			key = sum[:]
		}
		return blake2b.New256(key)
	}
	return hmac.New(sha256.New, v.secret), nil
}

// Sign returns the hex digest of the canonical form of fields.
func (v *Verifier) Sign(fields map[string]string) (string, error) {
	h, err := v.newHash()
	if err != nil {
		return "", err
	}
	h.Write([]byte(canonicalize(fields)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify fails with ErrInvalidSignature when the signature is missing or wrong.
func (v *Verifier) Verify(n Notification) error {
	got := strings.ToLower(n.signature())
	if got == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	want, err := v.Sign(n.Fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return nil
}
