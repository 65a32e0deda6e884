/*
webhook.go - Inbound webhook authentication

Two schemes are accepted:

 1. The Stripe v1 header scheme:
    Stripe-Signature: t={timestamp},v1={hex}
    where hex = HMAC-SHA256(secret, "{timestamp}.{payload}"), with a replay
    tolerance on the timestamp.

 2. A form-style gateway scheme: HMAC-SHA256 over the canonical join of all
    fields sorted by key, "k1=v1&k2=v2&...", excluding the signature field
    itself.

Both comparisons use constant-time equality. Signature verification is a
protocol concern: a bad signature is rejected with 400 before any business
logic runs, while a good signature is acked 200 regardless of what the
triggered operation does.
*/
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the header carrying the v1 scheme signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds how stale a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature covers a missing, malformed, or mismatched signature.
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	// ErrTimestampTooOld is returned when the signed timestamp falls outside
	// the replay tolerance.
	ErrTimestampTooOld = errors.New("webhook timestamp outside tolerance")
)

// ComputeSignature computes the v1 HMAC-SHA256 signature over
// "{timestamp}.{payload}".
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader renders a Stripe-Signature header value for payload at the
// given timestamp. Used by tests and by outbound delivery simulation.
func SignHeader(timestamp int64, payload []byte, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, ComputeSignature(timestamp, payload, secret))
}

// signatureParts is the parsed form of a Stripe-Signature header.
type signatureParts struct {
	timestamp int64
	v1        []string
}

func parseSignatureHeader(header string) (signatureParts, error) {
	var parts signatureParts
	sawTimestamp := false
	for _, item := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(item), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return parts, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			parts.timestamp = ts
			sawTimestamp = true
		case "v1":
			parts.v1 = append(parts.v1, kv[1])
		}
	}
	if !sawTimestamp || len(parts.v1) == 0 {
		return parts, fmt.Errorf("%w: missing components", ErrInvalidSignature)
	}
	return parts, nil
}

// VerifySignature checks a Stripe-Signature header against payload. Any v1
// candidate matching the expected signature passes; the timestamp must be
// within tolerance of now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	parts, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(parts.timestamp, 0)
	if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
		return ErrTimestampTooOld
	}

	expected := ComputeSignature(parts.timestamp, payload, secret)
	for _, candidate := range parts.v1 {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// CanonicalParams joins params as "k=v&..." with keys sorted, excluding
// excludeKey. This is the signing base for the form-style gateway scheme.
func CanonicalParams(params map[string]string, excludeKey string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == excludeKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// SignParams computes the form-scheme signature for params, excluding
// sigField from the signing base.
func SignParams(params map[string]string, sigField, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalParams(params, sigField)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyParams checks the form-scheme signature carried in params[sigField].
func VerifyParams(params map[string]string, sigField, secret string) error {
	got, ok := params[sigField]
	if !ok || got == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, sigField)
	}
	expected := SignParams(params, sigField, secret)
	if !hmac.Equal([]byte(got), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// =============================================================================
// EVENT PAYLOAD
// =============================================================================

// Event is the envelope of a webhook delivery.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object EventSession `json:"object"`
	} `json:"data"`
}

// EventSession is the checkout-session object inside an event.
type EventSession struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	Metadata      struct {
		ProductID string `json:"productId"`
		UID       string `json:"uid"`
	} `json:"metadata"`
}

// EventCheckoutCompleted is the event type that triggers redemption.
const EventCheckoutCompleted = "checkout.session.completed"
