package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	errors "github.com/dkruthoff/membership-billing/internal"
)

// DefaultSignatureMaxSkew bounds how far a webhook signature timestamp may
// drift from our clock before the notification is rejected as a replay.
const DefaultSignatureMaxSkew = 5 * time.Minute

// VerifyWebhookSignature checks the Signature header of an inbound webhook.
// The header carries `t=<unix>,v1=<hex hmac>`; the MAC is HMAC-SHA256 over
// "<t>.<raw body>" with the shared secret. Verification happens before any
// state is touched.
func VerifyWebhookSignature(payload []byte, signatureHeader, secret string, maxSkew time.Duration, now time.Time) error {
	if maxSkew <= 0 {
		maxSkew = DefaultSignatureMaxSkew
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" || secret == "" {
		return errors.ErrInvalidSignature
	}

	var timestampPart, signaturePart string
	for _, pair := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			return errors.ErrInvalidSignature
		}
		switch k {
		case "t":
			timestampPart = v
		case "v1":
			signaturePart = v
		}
	}
	if timestampPart == "" || signaturePart == "" {
		return errors.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestampPart, 10, 64)
	if err != nil {
		return errors.ErrInvalidSignature
	}
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-maxSkew)) || signedAt.After(now.Add(maxSkew)) {
		return errors.ErrStaleSignature
	}

	expected, err := hex.DecodeString(strings.ToLower(signaturePart))
	if err != nil {
		return errors.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", timestampPart)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return errors.ErrInvalidSignature
	}
	return nil
}

// SignPayload produces a Signature header value for the given body. Used by
// tests and the local webhook replay tooling.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
