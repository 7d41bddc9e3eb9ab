package segmux

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivren/segmux/internal/config"
)

func TestNewRequiresURLAndOutput(t *testing.T) {
	_, err := New(WithOutput("video.mp4"))
	require.ErrorIs(t, err, config.ErrMissingURL)

	_, err = New(WithManifestURL("https://example.com/master.m3u8"))
	require.ErrorIs(t, err, config.ErrMissingOutput)
}

func TestNewAppliesOptions(t *testing.T) {
	d, err := New(
		WithManifestURL("https://example.com/master.m3u8"),
		WithOutput("video.mkv"),
		WithThreads(8),
		WithRetryLimit(5),
		WithSegmentTimeout(10*time.Second),
		WithAudioLanguages("ita", "eng"),
		WithAllSubtitles(),
		WithForceResolution("1080"),
		WithMaxSpeed("10MB"),
		WithSessionID("fixed-session"),
		WithHeader("Referer", "https://example.com/"),
	)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 8, d.cfg.Threads)
	assert.Equal(t, 5, d.cfg.RetryLimit)
	assert.Equal(t, 10*time.Second, d.cfg.SegmentTimeout)
	assert.Equal(t, []string{"ita", "eng"}, d.cfg.AudioLanguages)
	assert.True(t, d.cfg.SubtitleAll())
	assert.Equal(t, "1080", d.cfg.ForceResolution)
	assert.Equal(t, "fixed-session", d.cfg.SessionID)
	assert.Equal(t, "https://example.com/", d.cfg.Headers["Referer"])
}

func TestNewRejectsInvalidMaxSpeed(t *testing.T) {
	_, err := New(
		WithManifestURL("https://example.com/master.m3u8"),
		WithOutput("video.mp4"),
		WithMaxSpeed("fast"),
	)
	require.ErrorIs(t, err, config.ErrInvalidMaxSpeed)
}

func TestNewGeneratesSessionID(t *testing.T) {
	d, err := New(
		WithManifestURL("https://example.com/master.m3u8"),
		WithOutput("video.mp4"),
	)
	require.NoError(t, err)
	defer d.Close()

	assert.NotEmpty(t, d.cfg.SessionID)
}

func TestDownloadRefusesExistingOutput(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/media.m3u8" {
			fmt.Fprint(w, playlist)
			return
		}
		fmt.Fprint(w, "segment data")
	}))
	defer ts.Close()

	out := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(out, []byte("previous output"), 0o644))

	d, err := New(
		WithManifestURL(ts.URL+"/media.m3u8"),
		WithOutput(out),
	)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Parse(ctx))
	require.NoError(t, d.Select())

	_, err = d.Download(ctx)
	require.ErrorIs(t, err, ErrOutputExists)

	// The prior output is untouched.
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous output", string(data))
}

func TestParseAndSelectMediaPlaylist(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playlist)
	}))
	defer ts.Close()

	d, err := New(
		WithManifestURL(ts.URL+"/media.m3u8"),
		WithOutput(filepath.Join(t.TempDir(), "video.mp4")),
	)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Parse(ctx))
	assert.Equal(t, "HLS", d.ManifestType())

	require.NoError(t, d.Select())
	selected := d.Selection()
	require.Len(t, selected, 1)
	assert.Equal(t, RenditionVideo, selected[0].Kind())
	assert.Equal(t, 2, selected[0].SegmentCount())
}
