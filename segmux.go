// Package segmux downloads segmented adaptive-bitrate streams (HLS and
// DASH) and remuxes them into a single local file.
//
// Basic usage:
//
//	d, err := segmux.New(
//		segmux.WithManifestURL("https://example.com/master.m3u8"),
//		segmux.WithOutput("video.mp4"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	if err := d.Parse(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := d.Select(); err != nil {
//		log.Fatal(err)
//	}
//	result, err := d.Download(ctx)
//
// Or use the convenience function:
//
//	result, err := segmux.DownloadURL(ctx, "https://example.com/master.m3u8", "video.mp4")
package segmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/mivren/segmux/internal/config"
	"github.com/mivren/segmux/internal/engine"
	"github.com/mivren/segmux/internal/httpclient"
	"github.com/mivren/segmux/internal/keys"
	"github.com/mivren/segmux/internal/models"
	"github.com/mivren/segmux/internal/parser"
)

// ErrOutputExists is returned before any network traffic when the output
// file is already present. Existing outputs are never overwritten.
var ErrOutputExists = errors.New("output file already exists")

// Downloader is the main API for downloading a stream.
type Downloader struct {
	cfg       *config.Config
	log       zerolog.Logger
	client    *http.Client
	manifest  *models.Manifest
	selection *engine.SelectionResult
	progress  *engine.ProgressState
	staticKey keys.SessionKeySet
}

// Option configures the downloader.
type Option func(*config.Config)

// New creates a Downloader with the given options.
func New(opts ...Option) (*Downloader, error) {
	cfg := config.New()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(os.TempDir(), "segmux")
	}

	maxBPS, err := cfg.MaxBytesPerSecond()
	if err != nil {
		return nil, err
	}

	clientCfg := httpclient.DefaultConfig()
	var client *http.Client
	if maxBPS > 0 {
		client = httpclient.NewWithLimiter(clientCfg, httpclient.NewLimiter(maxBPS))
	} else {
		client = httpclient.New(clientCfg)
	}

	staticKeys, err := keys.FromStaticPairs(cfg.DecryptionKeys)
	if err != nil {
		return nil, err
	}

	return &Downloader{
		cfg:       cfg,
		log:       zerolog.Nop(),
		client:    client,
		progress:  engine.NewProgressState(),
		staticKey: staticKeys,
	}, nil
}

// WithManifestURL sets the manifest URL (required).
func WithManifestURL(url string) Option {
	return func(c *config.Config) { c.URL = url }
}

// WithFormat forces the manifest dialect: "hls" or "dash". Unset, the
// dialect is sniffed from the URL.
func WithFormat(format string) Option {
	return func(c *config.Config) { c.Format = format }
}

// WithOutput sets the output file path (required).
func WithOutput(path string) Option {
	return func(c *config.Config) { c.OutputPath = path }
}

// WithThreads sets the per-rendition segment parallelism (default: 12, max: 64).
func WithThreads(n int) Option {
	return func(c *config.Config) { c.Threads = n }
}

// WithRetryLimit sets how many times a failed segment is retried after
// its first attempt before the download aborts.
func WithRetryLimit(n int) Option {
	return func(c *config.Config) { c.RetryLimit = n }
}

// WithSegmentTimeout bounds each segment download attempt.
func WithSegmentTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.SegmentTimeout = d }
}

// WithConcurrentDownload downloads the selected renditions in parallel
// instead of one after another.
func WithConcurrentDownload(enabled bool) Option {
	return func(c *config.Config) { c.ConcurrentDownload = enabled }
}

// WithMaxSpeed caps aggregate download throughput. Accepts humanized
// values such as "10MB" or "500 KiB"; empty means unbounded.
func WithMaxSpeed(spec string) Option {
	return func(c *config.Config) { c.MaxSpeed = spec }
}

// WithCheckSegmentsCount compares persisted segment counts against the
// manifest after each rendition finishes, reporting mismatches as warnings.
func WithCheckSegmentsCount(enabled bool) Option {
	return func(c *config.Config) { c.CheckSegmentsCount = enabled }
}

// WithCleanupTmpFolder removes the session's segment directory after a
// successful merge (default: true).
func WithCleanupTmpFolder(enabled bool) Option {
	return func(c *config.Config) { c.CleanupTmpFolder = enabled }
}

// WithTmpDir sets the directory for per-session segment storage.
func WithTmpDir(dir string) Option {
	return func(c *config.Config) { c.TmpDir = dir }
}

// WithSessionID pins the session identity. Re-running with the same id,
// URL and tmp dir resumes a previously interrupted download.
func WithSessionID(id string) Option {
	return func(c *config.Config) { c.SessionID = id }
}

// WithAudioLanguages sets the ordered audio language preference, e.g.
// ["ita", "eng"].
func WithAudioLanguages(langs ...string) Option {
	return func(c *config.Config) { c.AudioLanguages = langs }
}

// WithSubtitleLanguages sets the subtitle languages to download.
func WithSubtitleLanguages(langs ...string) Option {
	return func(c *config.Config) { c.SubtitleLanguages = langs }
}

// WithAllSubtitles downloads every subtitle rendition the manifest offers.
func WithAllSubtitles() Option {
	return func(c *config.Config) { c.SubtitleLanguages = []string{"*"} }
}

// WithForceResolution sets the video quality policy: "Best" (default) or a
// resolution such as "1080".
func WithForceResolution(res string) Option {
	return func(c *config.Config) { c.ForceResolution = res }
}

// WithMergeSubs merges subtitle tracks into the output container instead
// of writing sidecar files.
func WithMergeSubs(enabled bool) Option {
	return func(c *config.Config) { c.MergeSubs = enabled }
}

// WithSubtitleDisposition marks the subtitle track of the given language
// as default in the merged output.
func WithSubtitleDisposition(lang string) Option {
	return func(c *config.Config) {
		c.SubtitleDisposition = true
		c.SubtitleDispositionLanguage = lang
	}
}

// WithHeaders sets custom HTTP headers for every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *config.Config) {
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithHeader adds a single HTTP header.
func WithHeader(key, value string) Option {
	return func(c *config.Config) { c.Headers[key] = value }
}

// WithLicenseURL overrides the license endpoint declared by the manifest.
func WithLicenseURL(url string) Option {
	return func(c *config.Config) { c.LicenseURL = url }
}

// WithDecryptionKeys supplies content keys in "KID:KEY" hex format,
// bypassing the license exchange.
func WithDecryptionKeys(pairs ...string) Option {
	return func(c *config.Config) { c.DecryptionKeys = pairs }
}

// Parse fetches and parses the manifest from the configured URL. Must be
// called before Select or Download.
func (d *Downloader) Parse(ctx context.Context) error {
	registry := parser.NewRegistry(d.client, d.log)
	manifest, err := registry.Parse(ctx, d.cfg.URL, d.cfg.Format, d.cfg.Headers)
	if err != nil {
		return err
	}
	if d.cfg.LicenseURL != "" && manifest.Protection != nil {
		manifest.Protection.LicenseURL = d.cfg.LicenseURL
	}
	d.manifest = manifest
	return nil
}

// Renditions returns all available renditions after parsing, nil before.
func (d *Downloader) Renditions() []*Rendition {
	if d.manifest == nil {
		return nil
	}
	out := make([]*Rendition, len(d.manifest.Renditions))
	for i, r := range d.manifest.Renditions {
		out[i] = &Rendition{internal: r}
	}
	return out
}

// ManifestType returns "HLS" or "DASH", or "" before Parse.
func (d *Downloader) ManifestType() string {
	if d.manifest == nil {
		return ""
	}
	return d.manifest.Type.String()
}

// Select picks the renditions to download according to the configured
// quality policy and language preferences.
func (d *Downloader) Select() error {
	if d.manifest == nil {
		return fmt.Errorf("manifest not parsed, call Parse() first")
	}
	selection, err := engine.Select(d.manifest, engine.SelectionOptions{
		Quality:           d.cfg.ForceResolution,
		AudioLanguages:    d.cfg.AudioLanguages,
		SubtitleLanguages: d.cfg.SubtitleLanguages,
		SubtitleAll:       d.cfg.SubtitleAll(),
	})
	if err != nil {
		return err
	}
	d.selection = selection
	return nil
}

// Selection returns the selected renditions, nil before Select.
func (d *Downloader) Selection() []*Rendition {
	if d.selection == nil {
		return nil
	}
	internal := d.selection.Renditions()
	out := make([]*Rendition, len(internal))
	for i, r := range internal {
		out[i] = &Rendition{internal: r}
	}
	return out
}

// Download fetches every selected rendition and merges the result into the
// configured output path. Blocks until complete, failed, or canceled.
func (d *Downloader) Download(ctx context.Context) (*models.DownloadResult, error) {
	if d.selection == nil {
		return nil, fmt.Errorf("no renditions selected, call Select() first")
	}
	if _, err := os.Stat(d.cfg.OutputPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, d.cfg.OutputPath)
	}

	fs := afero.NewOsFs()
	sessionDir := filepath.Join(d.cfg.TmpDir, d.cfg.SessionID)
	store, err := engine.NewSegmentStore(fs, sessionDir)
	if err != nil {
		return nil, err
	}

	orch := &engine.Orchestrator{
		Client:     d.client,
		Store:      store,
		Provider:   keys.NewProvider(d.client, d.cfg.Headers, d.log),
		StaticKeys: d.staticKey,
		Config:     d.cfg,
		Progress:   d.progress,
		Log:        d.log,
	}

	result, err := orch.Run(ctx, d.manifest, d.selection)
	if err != nil {
		// Persisted segments stay behind for a future resume.
		return result, err
	}

	muxer := &engine.Muxer{Store: store, Log: d.log}
	job := engine.MuxJob{
		Selection:                   d.selection,
		OutputPath:                  d.cfg.OutputPath,
		MergeSubs:                   d.cfg.MergeSubs,
		SubtitleDisposition:         d.cfg.SubtitleDisposition,
		SubtitleDispositionLanguage: d.cfg.SubtitleDispositionLanguage,
	}

	out, err := muxer.Mux(ctx, job)
	if err != nil {
		return result, err
	}
	result.OutputPath = out

	if !d.cfg.MergeSubs && len(d.selection.Subtitles) > 0 {
		if _, err := muxer.ExportSidecarSubtitles(job); err != nil {
			d.log.Warn().Err(err).Msg("sidecar subtitle export incomplete")
		}
	}

	if cp := orch.Checkpoint(); cp != nil {
		if err := cp.Delete(store.Fs(), engine.CheckpointPath(store.Dir())); err != nil {
			d.log.Warn().Err(err).Msg("checkpoint cleanup failed")
		}
	}
	if d.cfg.CleanupTmpFolder {
		if err := store.Remove(); err != nil {
			d.log.Warn().Err(err).Msg("tmp folder cleanup failed")
		}
	}
	return result, nil
}

// Progress returns a point-in-time snapshot of the session's counters.
// Safe to call from any goroutine while Download runs.
func (d *Downloader) Progress() engine.Snapshot {
	return d.progress.Snapshot()
}

// SetLogger replaces the logger. The zero default discards everything.
func (d *Downloader) SetLogger(log zerolog.Logger) { d.log = log }

// Close releases the downloader's network resources.
func (d *Downloader) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// DownloadURL is a convenience wrapper: parse, select with defaults, and
// download to the given path.
func DownloadURL(ctx context.Context, url, output string, opts ...Option) (*models.DownloadResult, error) {
	allOpts := append([]Option{
		WithManifestURL(url),
		WithOutput(output),
	}, opts...)

	d, err := New(allOpts...)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	if err := d.Parse(ctx); err != nil {
		return nil, err
	}
	if err := d.Select(); err != nil {
		return nil, err
	}
	return d.Download(ctx)
}
