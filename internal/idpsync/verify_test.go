package idpsync

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/platform/errs"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)
	body := []byte(`{"type":"user.created","data":{"id":"u1"}}`)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	h := v.SignedHeaders("msg_1", now, body)
	id, err := v.Verify(h, body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)

	// svix-* headers and multiple signatures (key rotation) are accepted.
	svix := http.Header{}
	svix.Set("svix-id", "msg_1")
	svix.Set("svix-timestamp", h.Get("webhook-timestamp"))
	svix.Set("svix-signature", "v1,bm90LXRoZS1zaWc= "+h.Get("webhook-signature"))
	_, err = v.Verify(svix, body)
	require.NoError(t, err)
}

// Known vector from the Standard Webhooks reference implementation.
func TestVerifier_KnownSignature(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Unix(1614265330, 0) }
	h := http.Header{}
	h.Set("webhook-id", "msg_p5jXN8AQM9LWM0D4loKWxJek")
	h.Set("webhook-timestamp", "1614265330")
	h.Set("webhook-signature", "v1,g0hM9SsE+OTPJTGt/tmIKtSyZlE3uFJELVlNIOLJ1OE=")
	_, err = v.Verify(h, []byte(`{"test": 2432232314}`))
	assert.NoError(t, err)
}

func TestVerifier_Rejections(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }
	good := v.SignedHeaders("msg_1", now, body)

	cases := map[string]func() (http.Header, []byte){
		"missing headers": func() (http.Header, []byte) { return http.Header{}, body },
		"tampered body":   func() (http.Header, []byte) { return good, []byte(`{"x":1}`) },
		"old timestamp": func() (http.Header, []byte) {
			return v.SignedHeaders("msg_1", now.Add(-2*time.Minute), body), body
		},
		"future timestamp": func() (http.Header, []byte) {
			return v.SignedHeaders("msg_1", now.Add(2*time.Minute), body), body
		},
		"bad timestamp": func() (http.Header, []byte) {
			h := good.Clone()
			h.Set("webhook-timestamp", "soon")
			return h, body
		},
		"unknown version": func() (http.Header, []byte) {
			h := good.Clone()
			h.Set("webhook-signature", "v2"+h.Get("webhook-signature")[2:])
			return h, body
		},
	}
	for name, build := range cases {
		h, b := build()
		_, err := v.Verify(h, b)
		assert.ErrorIs(t, err, errs.ErrSyncRejected, name)
	}
}

func TestNewVerifier_Secret(t *testing.T) {
	_, err := NewVerifier("", 0)
	assert.Error(t, err)
	_, err = NewVerifier("whsec_***", 0)
	assert.Error(t, err)
	v, err := NewVerifier("MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, v.tolerance)
}

func TestVerifier_RelayedIgnoresAgeButNotSignature(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }
	body := []byte(`{"type":"user.created"}`)
	old := v.SignedHeaders("msg_1", now.Add(-3*time.Hour), body)

	_, err = v.Verify(old, body)
	require.ErrorIs(t, err, errs.ErrSyncRejected, "webhook deliveries stay bound to the window")

	relayed := v.Relayed()
	id, err := relayed.Verify(old, body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)

	_, err = relayed.Verify(old, []byte(`{"type":"user.deleted"}`))
	assert.ErrorIs(t, err, errs.ErrSyncRejected)
	assert.Nil(t, (*Verifier)(nil).Relayed())
}
