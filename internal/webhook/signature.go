// Package webhook implements external-event ingress: GitHub webhook
// signature verification, event-to-registration matching, mention
// detection, dedup and rate limiting, and dispatching matched events to
// agents as sessions or work tasks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// signaturePrefix is the scheme GitHub uses for SHA-256 HMAC signatures.
const signaturePrefix = "sha256="

// ErrInvalidSignature covers every verification failure. The cause is
// wrapped for logs; HTTP responses never reveal which check failed.
var ErrInvalidSignature = errors.New("invalid signature")

// VerifySignature checks an X-Hub-Signature-256 header against the raw
// payload. No payload may be processed before this passes. A missing
// secret rejects everything: an unconfigured endpoint is closed, not
// open.
func VerifySignature(secret string, payload []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: unexpected signature scheme", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	got := header[len(signaturePrefix):]
	if len(got) != len(want) {
		return fmt.Errorf("%w: signature length mismatch", ErrInvalidSignature)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}
