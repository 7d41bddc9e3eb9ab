package keys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivren/segmux/internal/models"
)

func TestFromStaticPairs(t *testing.T) {
	ks, err := FromStaticPairs([]string{
		"00112233445566778899aabbccddeeff:ffeeddccbbaa99887766554433221100",
	})
	require.NoError(t, err)
	require.Equal(t, 1, ks.Len())

	key, ok := ks.Key("00112233445566778899AABBCCDDEEFF")
	require.True(t, ok, "kid lookup should be case-insensitive")
	assert.Len(t, key, 16)

	_, err = FromStaticPairs([]string{"garbage"})
	assert.Error(t, err)

	_, err = FromStaticPairs([]string{"aa:short"})
	assert.Error(t, err)
}

func TestAcquireAESKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(make([]byte, 16))
	}))
	defer srv.Close()

	p := NewProvider(srv.Client(), nil, zerolog.Nop())
	prot := &models.Protection{Scheme: "aes-128", LicenseURL: srv.URL}

	ks, err := p.Acquire(context.Background(), prot, nil)
	require.NoError(t, err)
	_, ok := ks.Key("")
	assert.True(t, ok)

	// Second acquisition is served from the cache.
	_, err = p.Acquire(context.Background(), prot, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAcquireLicenseExchange(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req licenseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cHNzaA==", req.PSSH)
		assert.Equal(t, []string{"kid1"}, req.KeyIDs)

		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kid": "kid1", "key": "00112233445566778899aabbccddeeff"},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.Client(), nil, zerolog.Nop())
	prot := &models.Protection{Scheme: "cenc", LicenseURL: srv.URL, PSSH: "cHNzaA=="}

	// Concurrent callers for the same session collapse into one exchange.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ks, err := p.Acquire(context.Background(), prot, []string{"kid1"})
			assert.NoError(t, err)
			_, ok := ks.Key("kid1")
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestAcquireErrorClassification(t *testing.T) {
	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer rejected.Close()

	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer flaky.Close()

	p := NewProvider(http.DefaultClient, nil, zerolog.Nop())

	var kerr *KeyError

	_, err := p.Acquire(context.Background(), &models.Protection{Scheme: "fairplay"}, nil)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, ClassUnsupportedScheme, kerr.Class)
	assert.False(t, IsRetryable(err))

	_, err = p.Acquire(context.Background(), &models.Protection{Scheme: "cenc", LicenseURL: rejected.URL}, nil)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, ClassChallengeRejected, kerr.Class)
	assert.False(t, IsRetryable(err))

	_, err = p.Acquire(context.Background(), &models.Protection{Scheme: "cenc", LicenseURL: flaky.URL}, nil)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, ClassNetworkFailure, kerr.Class)
	assert.True(t, IsRetryable(err))

	// Failures are not cached; a later call hits the network again.
	_, err = p.Acquire(context.Background(), &models.Protection{Scheme: "cenc", LicenseURL: flaky.URL}, nil)
	require.Error(t, err)
}
