package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivren/segmux/internal/models"
)

func segmentPayload(index int) []byte {
	return []byte(fmt.Sprintf("segment-%03d|", index))
}

// segmentServer serves /seg/<n>.ts payloads and counts hits per path.
type segmentServer struct {
	mu       sync.Mutex
	hits     map[string]int
	failures map[string]int // path -> number of times to fail before succeeding
	delay    func(index int) time.Duration
}

func newSegmentServer() *segmentServer {
	return &segmentServer{hits: map[string]int{}, failures: map[string]int{}}
}

func (s *segmentServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		hit := s.hits[r.URL.Path]
		fail := s.failures[r.URL.Path]
		s.mu.Unlock()

		var index int
		fmt.Sscanf(r.URL.Path, "/seg/%d.ts", &index)

		if s.delay != nil {
			time.Sleep(s.delay(index))
		}
		if hit <= fail {
			http.Error(w, "upstream hiccup", http.StatusServiceUnavailable)
			return
		}
		w.Write(segmentPayload(index))
	}
}

func (s *segmentServer) hitCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[fmt.Sprintf("/seg/%d.ts", index)]
}

func testRendition(baseURL string, count int) *models.Rendition {
	r := &models.Rendition{ID: "video_1080", Kind: models.KindVideo}
	for i := 0; i < count; i++ {
		r.Segments = append(r.Segments, &models.Segment{
			Index: i,
			URL:   fmt.Sprintf("%s/seg/%d.ts", baseURL, i),
		})
	}
	return r
}

func newTestPool(t *testing.T, fs afero.Fs, cfg PoolConfig) *FetcherPool {
	t.Helper()
	store, err := NewSegmentStore(fs, "tmp/session")
	require.NoError(t, err)
	return &FetcherPool{
		Client:   http.DefaultClient,
		Store:    store,
		Progress: NewProgressState(),
		Config:   cfg,
	}
}

func TestFetchPersistsByIndexRegardlessOfCompletionOrder(t *testing.T) {
	srv := newSegmentServer()
	// Early segments finish last.
	srv.delay = func(index int) time.Duration {
		return time.Duration(8-index) * 10 * time.Millisecond
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	pool := newTestPool(t, afero.NewMemMapFs(), PoolConfig{MaxParallel: 4, RetryLimit: 1, SegmentTimeout: 5 * time.Second})
	rendition := testRendition(ts.URL, 8)

	report, err := pool.Fetch(context.Background(), rendition)
	require.NoError(t, err)
	assert.Equal(t, 8, report.SegmentsCompleted)
	assert.Zero(t, report.SegmentsFailed)

	var buf bytes.Buffer
	_, err = pool.Store.Concat(rendition, &buf)
	require.NoError(t, err)

	var want bytes.Buffer
	for i := 0; i < 8; i++ {
		want.Write(segmentPayload(i))
	}
	assert.Equal(t, want.Bytes(), buf.Bytes())
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	srv := newSegmentServer()
	// Three failures, then success on the fourth attempt.
	srv.failures["/seg/3.ts"] = 3
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	pool := newTestPool(t, afero.NewMemMapFs(), PoolConfig{MaxParallel: 2, RetryLimit: 3, SegmentTimeout: 5 * time.Second})
	rendition := testRendition(ts.URL, 10)

	report, err := pool.Fetch(context.Background(), rendition)
	require.NoError(t, err)
	assert.Equal(t, 10, report.SegmentsCompleted)
	assert.Zero(t, report.SegmentsFailed)
	assert.GreaterOrEqual(t, report.Retries, 3)
	assert.Equal(t, 4, srv.hitCount(3))
}

func TestFetchExhaustedRetriesAbortsAndReportsFetchError(t *testing.T) {
	srv := newSegmentServer()
	srv.failures["/seg/1.ts"] = 1000
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	pool := newTestPool(t, afero.NewMemMapFs(), PoolConfig{MaxParallel: 1, RetryLimit: 2, SegmentTimeout: 5 * time.Second})
	rendition := testRendition(ts.URL, 4)

	report, err := pool.Fetch(context.Background(), rendition)
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 1, fetchErr.SegmentIndex)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Equal(t, 1, report.SegmentsFailed)

	// Work completed before the failure stays on disk.
	assert.True(t, pool.Store.HasSegment("video_1080", 0))
}

func TestFetchSkipsCheckpointedSegments(t *testing.T) {
	srv := newSegmentServer()
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	fs := afero.NewMemMapFs()
	pool := newTestPool(t, fs, PoolConfig{MaxParallel: 2, RetryLimit: 1, SegmentTimeout: 5 * time.Second})

	cp := NewCheckpoint("session-1", ts.URL, pool.Store.Dir())
	rendition := testRendition(ts.URL, 6)
	for _, done := range []int{0, 1, 2} {
		require.NoError(t, pool.Store.WriteSegment(rendition.ID, done, segmentPayload(done)))
		cp.MarkDone(rendition.ID, done)
	}
	pool.Checkpoint = cp

	report, err := pool.Fetch(context.Background(), rendition)
	require.NoError(t, err)
	assert.Equal(t, 3, report.SegmentsSkipped)
	assert.Equal(t, 3, report.SegmentsCompleted)
	for _, done := range []int{0, 1, 2} {
		assert.Zero(t, srv.hitCount(done))
	}
	for _, fresh := range []int{3, 4, 5} {
		assert.Equal(t, 1, srv.hitCount(fresh))
	}
}

func TestFetchCancellationStopsAtSegmentBoundary(t *testing.T) {
	srv := newSegmentServer()
	srv.delay = func(int) time.Duration { return 30 * time.Millisecond }
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	pool := newTestPool(t, afero.NewMemMapFs(), PoolConfig{MaxParallel: 1, RetryLimit: 1, SegmentTimeout: 5 * time.Second})
	rendition := testRendition(ts.URL, 20)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := pool.Fetch(ctx, rendition)
	require.Error(t, err)
	assert.Less(t, report.SegmentsCompleted, 20)

	// Cancelled work is preserved for resume, not counted as failed.
	assert.Zero(t, report.SegmentsFailed)

	// Every persisted slot holds a complete payload.
	for _, seg := range rendition.Segments {
		if pool.Store.HasSegment(rendition.ID, seg.Index) {
			data, err := afero.ReadFile(pool.Store.Fs(), pool.Store.SegmentPath(rendition.ID, seg.Index))
			require.NoError(t, err)
			assert.Equal(t, segmentPayload(seg.Index), data)
		}
	}
}
