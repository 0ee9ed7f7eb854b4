package idpsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenant-control-plane/internal/platform/errs"
)

const secretPrefix = "whsec_"

// DefaultTolerance bounds the distance between a delivery's timestamp and the local clock.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Standard Webhooks signatures as sent by the identity provider's delivery service:
// base64 HMAC-SHA256 over "<id>.<timestamp>.<body>", carried in webhook-* or svix-* headers.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
	// relayed skips the timestamp window; the signature still covers the timestamp.
	relayed bool
}

// NewVerifier returns a Verifier for secret ("whsec_<base64>"; a bare base64 secret is accepted).
// tolerance <= 0 selects DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("idpsync: signing secret is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("idpsync: signing secret is not base64: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Relayed returns a copy of v for deliveries replayed from a durable log, which may be consumed long
// after they were signed. Only the signature is checked.
func (v *Verifier) Relayed() *Verifier {
	if v == nil {
		return nil
	}
	c := *v
	c.relayed = true
	return &c
}

func header(h http.Header, name string) string {
	if v := h.Get("webhook-" + name); v != "" {
		return v
	}
	return h.Get("svix-" + name)
}

// Verify checks the signature of body and returns the delivery id. Failures wrap errs.ErrSyncRejected.
func (v *Verifier) Verify(h http.Header, body []byte) (string, error) {
	id, ts, sigs := header(h, "id"), header(h, "timestamp"), header(h, "signature")
	if id == "" || ts == "" || sigs == "" {
		return "", fmt.Errorf("%w: missing signature headers", errs.ErrSyncRejected)
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid timestamp", errs.ErrSyncRejected)
	}
	if !v.relayed {
		if d := v.now().Sub(time.Unix(secs, 0)); d > v.tolerance || d < -v.tolerance {
			return "", fmt.Errorf("%w: timestamp outside tolerance", errs.ErrSyncRejected)
		}
	}
	want := v.sign(id, ts, body)
	for _, sig := range strings.Fields(sigs) {
		version, value, ok := strings.Cut(sig, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(got, want) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: signature mismatch", errs.ErrSyncRejected)
}

// Sign returns the webhook-signature header value for body. Used by tests and replay tooling.
func (v *Verifier) Sign(id string, at time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(id, strconv.FormatInt(at.Unix(), 10), body))
}

// SignedHeaders returns a complete header set for a delivery of body.
func (v *Verifier) SignedHeaders(id string, at time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", strconv.FormatInt(at.Unix(), 10))
	h.Set("webhook-signature", v.Sign(id, at, body))
	return h
}

func (v *Verifier) sign(id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
