// Package auth implements the optional HMAC layer: signing attaches a
// timestamp, a nonce, and an HMAC-SHA256 over the canonical sorted-key
// encoding of the message; verification recomputes the signature in
// constant time and enforces the replay window.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MinSecretLen  = 32
	DefaultWindow = 30 * time.Second
)

var (
	ErrSecretTooShort    = errors.New("shared secret must be at least 32 bytes")
	ErrAlreadySigned     = errors.New("object already carries an hmac field")
	ErrMissingSignature  = errors.New("missing hmac, timestamp, or nonce")
	ErrBadSignature      = errors.New("hmac verification failed")
	ErrBadTimestamp      = errors.New("timestamp is not valid RFC 3339")
	ErrReplayWindow      = errors.New("timestamp outside replay window")
	ErrNonceReused       = errors.New("nonce already seen inside replay window")
)

type Authenticator struct {
	key    []byte
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func New(secret []byte, window time.Duration) (*Authenticator, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	if window <= 0 {
		window = DefaultWindow
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Authenticator{
		key:    key,
		window: window,
		seen:   map[string]time.Time{},
	}, nil
}

// Sign returns a copy of obj with timestamp, nonce, and hmac fields
// attached. The signature covers the canonical encoding of everything but
// the hmac field itself.
func (a *Authenticator) Sign(obj map[string]any, now time.Time) (map[string]any, error) {
	if _, ok := obj["hmac"]; ok {
		return nil, ErrAlreadySigned
	}
	signed := make(map[string]any, len(obj)+3)
	for k, v := range obj {
		signed[k] = v
	}
	signed["timestamp"] = now.UTC().Format(time.RFC3339)
	signed["nonce"] = uuid.NewString()

	mac, err := a.compute(signed)
	if err != nil {
		return nil, err
	}
	signed["hmac"] = base64.StdEncoding.EncodeToString(mac)
	return signed, nil
}

// Verify checks the hmac, the replay window, and nonce freshness, and
// returns the object with the hmac field stripped. Comparison is constant
// time; the length check cannot short-circuit on content.
func (a *Authenticator) Verify(obj map[string]any, now time.Time) (map[string]any, error) {
	macField, okMac := obj["hmac"].(string)
	tsField, okTS := obj["timestamp"].(string)
	nonce, okNonce := obj["nonce"].(string)
	if !okMac || !okTS || !okNonce || macField == "" || tsField == "" || nonce == "" {
		return nil, ErrMissingSignature
	}

	body := make(map[string]any, len(obj)-1)
	for k, v := range obj {
		if k == "hmac" {
			continue
		}
		body[k] = v
	}
	expected, err := a.compute(body)
	if err != nil {
		return nil, err
	}
	provided, err := base64.StdEncoding.DecodeString(macField)
	if err != nil {
		return nil, ErrBadSignature
	}
	if !hmac.Equal(expected, provided) {
		return nil, ErrBadSignature
	}

	ts, err := time.Parse(time.RFC3339, tsField)
	if err != nil {
		return nil, ErrBadTimestamp
	}
	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > a.window {
		return nil, ErrReplayWindow
	}
	if err := a.recordNonce(nonce, now); err != nil {
		return nil, err
	}
	return body, nil
}

func (a *Authenticator) compute(obj map[string]any) ([]byte, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	h := hmac.New(sha256.New, a.key)
	h.Write(canonical)
	return h.Sum(nil), nil
}

func (a *Authenticator) recordNonce(nonce string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for n, seenAt := range a.seen {
		if now.Sub(seenAt) > a.window {
			delete(a.seen, n)
		}
	}
	if _, ok := a.seen[nonce]; ok {
		return ErrNonceReused
	}
	a.seen[nonce] = now
	return nil
}
