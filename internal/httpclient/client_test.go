package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	assert.Nil(t, NewLimiter(-1))

	lim := NewLimiter(1 << 20)
	require.NotNil(t, lim)
	assert.Equal(t, 64*1024, lim.Burst())

	// Tiny budgets shrink the burst so the bucket can ever fill.
	small := NewLimiter(1000)
	require.NotNil(t, small)
	assert.Equal(t, 1000, small.Burst())
}

func TestLimitedClientPacesDownloads(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	payload := bytes.Repeat([]byte{0xAB}, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	// 128KB/s with a 64KB burst: 256KB should take at least
	// (256KB - burst) / 128KB/s = 1.5s.
	limiter := NewLimiter(128 * 1024)
	client := NewWithLimiter(DefaultConfig(), limiter)

	start := time.Now()
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, payload, body)
	assert.GreaterOrEqual(t, elapsed, 1200*time.Millisecond)
}

func TestUnlimitedClientIsNotWrapped(t *testing.T) {
	client := NewWithLimiter(DefaultConfig(), nil)
	_, ok := client.Transport.(*rateLimitedTransport)
	assert.False(t, ok)
}
