// Package keys acquires and caches content decryption keys for protected
// streams. It implements only the client side of the exchange: building a
// challenge from the manifest's protection metadata and mapping the response
// to raw key material.
package keys

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mivren/segmux/internal/models"
)

// ErrorClass classifies key acquisition failures.
type ErrorClass int

const (
	// ClassUnsupportedScheme means the manifest's key system is not one we
	// can serve. Fatal for the affected renditions.
	ClassUnsupportedScheme ErrorClass = iota
	// ClassChallengeRejected means the license endpoint refused the
	// challenge. Fatal for the affected renditions.
	ClassChallengeRejected
	// ClassNetworkFailure means the exchange itself failed and may be
	// retried under the caller's backoff policy.
	ClassNetworkFailure
)

func (c ErrorClass) String() string {
	switch c {
	case ClassUnsupportedScheme:
		return "unsupported_scheme"
	case ClassChallengeRejected:
		return "challenge_rejected"
	case ClassNetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}

// KeyError reports a failed key acquisition.
type KeyError struct {
	Class  ErrorClass
	Scheme string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("acquire keys (%s): %s: %v", e.Scheme, e.Class, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a key acquisition failure worth
// retrying.
func IsRetryable(err error) bool {
	var kerr *KeyError
	if !errors.As(err, &kerr) {
		return false
	}
	return kerr.Class == ClassNetworkFailure
}

// SessionKeySet maps key ids to raw key bytes. Read-only after creation and
// safe to share across fetcher pools.
type SessionKeySet struct {
	keys map[string][]byte
}

// Key returns the key bytes for a key id. The empty kid addresses the
// session's sole key (HLS AES-128 playlists do not name their keys).
func (s SessionKeySet) Key(kid string) ([]byte, bool) {
	k, ok := s.keys[strings.ToLower(kid)]
	return k, ok
}

// Len returns the number of keys in the set.
func (s SessionKeySet) Len() int { return len(s.keys) }

func newKeySet(m map[string][]byte) SessionKeySet {
	normalized := make(map[string][]byte, len(m))
	for kid, key := range m {
		normalized[strings.ToLower(kid)] = key
	}
	return SessionKeySet{keys: normalized}
}

// FromStaticPairs builds a key set from "KID:KEY" hex pairs supplied by the
// caller, bypassing the license exchange entirely.
func FromStaticPairs(pairs []string) (SessionKeySet, error) {
	m := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return SessionKeySet{}, fmt.Errorf("invalid key pair %q, expected KID:KEY", pair)
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil {
			return SessionKeySet{}, fmt.Errorf("invalid KEY hex in %q: %w", pair, err)
		}
		if len(key) != 16 {
			return SessionKeySet{}, fmt.Errorf("key %q must be 16 bytes", parts[0])
		}
		m[parts[0]] = key
	}
	return newKeySet(m), nil
}

// Provider performs at most one key exchange per distinct protection session
// and caches the result for the lifetime of the session.
type Provider struct {
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[string]SessionKeySet
}

// NewProvider creates a key provider backed by the session's HTTP client.
func NewProvider(client *http.Client, headers map[string]string, log zerolog.Logger) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		client:  client,
		headers: headers,
		log:     log,
		cache:   make(map[string]SessionKeySet),
	}
}

// Acquire exchanges the protection metadata for a SessionKeySet. Repeated
// calls for the same protection session return the cached set without any
// network traffic, including when callers race.
func (p *Provider) Acquire(ctx context.Context, prot *models.Protection, keyIDs []string) (SessionKeySet, error) {
	if prot == nil {
		return SessionKeySet{}, &KeyError{Class: ClassUnsupportedScheme, Scheme: "none",
			Err: fmt.Errorf("no protection metadata")}
	}

	cacheKey := prot.Scheme + "|" + prot.LicenseURL + "|" + prot.PSSH

	// The lock is held across the exchange so concurrent callers for the
	// same session collapse into a single request.
	p.mu.Lock()
	defer p.mu.Unlock()

	if ks, ok := p.cache[cacheKey]; ok {
		return ks, nil
	}

	var (
		ks  SessionKeySet
		err error
	)
	switch strings.ToLower(prot.Scheme) {
	case "aes-128":
		ks, err = p.fetchAESKey(ctx, prot)
	case "cenc", "widevine":
		ks, err = p.licenseExchange(ctx, prot, keyIDs)
	default:
		return SessionKeySet{}, &KeyError{Class: ClassUnsupportedScheme, Scheme: prot.Scheme,
			Err: fmt.Errorf("no handler for key system %q", prot.Scheme)}
	}
	if err != nil {
		return SessionKeySet{}, err
	}

	p.cache[cacheKey] = ks
	p.log.Debug().Str("scheme", prot.Scheme).Int("keys", ks.Len()).Msg("key session established")
	return ks, nil
}

// fetchAESKey retrieves a raw AES-128 key from the playlist's key URI.
func (p *Provider) fetchAESKey(ctx context.Context, prot *models.Protection) (SessionKeySet, error) {
	body, status, err := p.do(ctx, http.MethodGet, prot.LicenseURL, nil)
	if err != nil {
		return SessionKeySet{}, &KeyError{Class: ClassNetworkFailure, Scheme: prot.Scheme, Err: err}
	}
	if status != http.StatusOK {
		class := ClassChallengeRejected
		if status >= 500 {
			class = ClassNetworkFailure
		}
		return SessionKeySet{}, &KeyError{Class: class, Scheme: prot.Scheme,
			Err: fmt.Errorf("key URI returned HTTP %d", status)}
	}
	if len(body) != 16 {
		return SessionKeySet{}, &KeyError{Class: ClassChallengeRejected, Scheme: prot.Scheme,
			Err: fmt.Errorf("expected 16 key bytes, got %d", len(body))}
	}
	return newKeySet(map[string][]byte{"": body}), nil
}

type licenseRequest struct {
	PSSH   string   `json:"pssh"`
	KeyIDs []string `json:"kids,omitempty"`
}

type licenseResponse struct {
	Keys []struct {
		KID string `json:"kid"`
		Key string `json:"key"`
	} `json:"keys"`
}

// licenseExchange posts the session challenge to the license endpoint and
// decodes the returned key material.
func (p *Provider) licenseExchange(ctx context.Context, prot *models.Protection, keyIDs []string) (SessionKeySet, error) {
	if prot.LicenseURL == "" {
		return SessionKeySet{}, &KeyError{Class: ClassUnsupportedScheme, Scheme: prot.Scheme,
			Err: fmt.Errorf("protected manifest without license URL")}
	}

	challenge, err := json.Marshal(licenseRequest{PSSH: prot.PSSH, KeyIDs: keyIDs})
	if err != nil {
		return SessionKeySet{}, &KeyError{Class: ClassUnsupportedScheme, Scheme: prot.Scheme, Err: err}
	}

	body, status, err := p.do(ctx, http.MethodPost, prot.LicenseURL, challenge)
	if err != nil {
		return SessionKeySet{}, &KeyError{Class: ClassNetworkFailure, Scheme: prot.Scheme, Err: err}
	}
	switch {
	case status >= 500:
		return SessionKeySet{}, &KeyError{Class: ClassNetworkFailure, Scheme: prot.Scheme,
			Err: fmt.Errorf("license server returned HTTP %d", status)}
	case status != http.StatusOK:
		return SessionKeySet{}, &KeyError{Class: ClassChallengeRejected, Scheme: prot.Scheme,
			Err: fmt.Errorf("license server returned HTTP %d", status)}
	}

	var resp licenseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SessionKeySet{}, &KeyError{Class: ClassChallengeRejected, Scheme: prot.Scheme,
			Err: fmt.Errorf("malformed license response: %w", err)}
	}
	if len(resp.Keys) == 0 {
		return SessionKeySet{}, &KeyError{Class: ClassChallengeRejected, Scheme: prot.Scheme,
			Err: fmt.Errorf("license response contains no keys")}
	}

	m := make(map[string][]byte, len(resp.Keys))
	for _, k := range resp.Keys {
		raw, err := hex.DecodeString(k.Key)
		if err != nil || len(raw) != 16 {
			return SessionKeySet{}, &KeyError{Class: ClassChallengeRejected, Scheme: prot.Scheme,
				Err: fmt.Errorf("invalid key material for kid %s", k.KID)}
		}
		m[k.KID] = raw
	}
	return newKeySet(m), nil
}

func (p *Provider) do(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
