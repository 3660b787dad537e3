// Package gateway
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Credentials is one API key pair. Secret is the base64-encoded signing key
// as issued by the exchange.
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialSource resolves identities to credentials. The gateway never
// stores key material itself.
type CredentialSource interface {
	Lookup(identity string) (Credentials, error)
}

// StaticCredentials is a map-backed CredentialSource.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Lookup(identity string) (Credentials, error) {
	creds, ok := s[identity]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s", ErrCredentialsNotFound, identity)
	}
	return creds, nil
}

// sign computes the private-endpoint signature: SHA256 over nonce plus the
// form-encoded payload, then HMAC-SHA512 over the URI path plus that digest,
// keyed by the base64-decoded secret. Output is base64.
func sign(path, nonce string, form url.Values, secretB64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", fmt.Errorf("%w: decoding secret: %v", ErrSigningFailed, err)
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("%w: empty secret", ErrSigningFailed)
	}

	digest := sha256.Sum256([]byte(nonce + form.Encode()))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// nonceRetention is how long issued nonces are remembered for replay
// detection.
const nonceRetention = 5 * time.Minute

// nonceRegistry issues strictly increasing microsecond nonces per identity
// and rejects replays within the retention window.
type nonceRegistry struct {
	mu   sync.Mutex
	last map[string]int64
	seen map[string]map[int64]time.Time
	now  func() time.Time
}

func newNonceRegistry(now func() time.Time) *nonceRegistry {
	if now == nil {
		now = time.Now
	}
	return &nonceRegistry{
		last: make(map[string]int64),
		seen: make(map[string]map[int64]time.Time),
		now:  now,
	}
}

// Next returns the next nonce for identity. The clock stepping backwards
// still yields a strictly larger value than the previous one.
func (r *nonceRegistry) Next(identity string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	nonce := now.UnixMicro()
	if last := r.last[identity]; nonce <= last {
		nonce = last + 1
	}

	history := r.seen[identity]
	if history == nil {
		history = make(map[int64]time.Time)
		r.seen[identity] = history
	}
	r.pruneLocked(history, now)

	if _, dup := history[nonce]; dup {
		return "", fmt.Errorf("%w: %d already used for %s", ErrInvalidNonce, nonce, identity)
	}

	history[nonce] = now
	r.last[identity] = nonce
	return strconv.FormatInt(nonce, 10), nil
}

// pruneLocked drops entries older than the retention window. Pruning is
// lazy; it happens on the next issue for that identity.
func (r *nonceRegistry) pruneLocked(history map[int64]time.Time, now time.Time) {
	cutoff := now.Add(-nonceRetention)
	for n, issued := range history {
		if issued.Before(cutoff) {
			delete(history, n)
		}
	}
}
