// Package config provides configuration types for the download pipeline.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Common errors.
var (
	ErrMissingURL      = errors.New("manifest URL is required")
	ErrMissingOutput   = errors.New("output path is required")
	ErrInvalidMaxSpeed = errors.New("invalid max_speed bandwidth spec")
)

// QualityBest selects the highest-bandwidth video rendition.
const QualityBest = "Best"

// Config holds all settings consumed by the pipeline.
type Config struct {
	// Input
	URL    string
	Format string // "hls", "dash", or "" to sniff from the URL

	// Output
	OutputPath string

	// Download settings
	ConcurrentDownload bool
	Threads            int
	RetryLimit         int // retries per segment beyond the first attempt
	SegmentTimeout     time.Duration
	MaxSpeed           string // e.g. "10MB", "500KB"; empty means unbounded
	CheckSegmentsCount bool
	CleanupTmpFolder   bool

	// Session identity; renditions downloaded under the same identity can
	// be resumed. Empty means a fresh identity per run.
	SessionID string
	TmpDir    string

	// Track selection
	AudioLanguages    []string
	SubtitleLanguages []string // ["*"] selects every subtitle rendition
	ForceResolution   string   // QualityBest or a resolution like "1080"

	// Merge
	MergeSubs                   bool
	SubtitleDisposition         bool
	SubtitleDispositionLanguage string

	// HTTP settings
	Headers map[string]string

	// DRM
	LicenseURL     string
	DecryptionKeys []string // "KID:KEY" pairs, bypassing the license exchange
}

// Default configuration values.
const (
	DefaultThreads        = 12
	DefaultRetryLimit     = 3
	DefaultSegmentTimeout = 30 * time.Second

	MaxThreads = 64
	MinThreads = 1
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		ConcurrentDownload: true,
		Threads:            DefaultThreads,
		RetryLimit:         DefaultRetryLimit,
		SegmentTimeout:     DefaultSegmentTimeout,
		CheckSegmentsCount: true,
		CleanupTmpFolder:   true,
		ForceResolution:    QualityBest,
		Headers:            make(map[string]string),
	}
}

// Validate checks the configuration and normalizes values in place.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.OutputPath == "" {
		return ErrMissingOutput
	}

	if c.Threads < MinThreads {
		c.Threads = MinThreads
	}
	if c.Threads > MaxThreads {
		c.Threads = MaxThreads
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	if c.ForceResolution == "" {
		c.ForceResolution = QualityBest
	}

	if _, err := c.MaxBytesPerSecond(); err != nil {
		return err
	}
	return nil
}

// MaxBytesPerSecond parses the MaxSpeed bandwidth spec. Zero means
// unbounded. Accepts humanized sizes such as "10MB", "500 KiB" or "2mb".
func (c *Config) MaxBytesPerSecond() (int64, error) {
	spec := strings.TrimSpace(c.MaxSpeed)
	if spec == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMaxSpeed, spec)
	}
	return int64(n), nil
}

// SubtitleAll reports whether every subtitle rendition was requested.
func (c *Config) SubtitleAll() bool {
	return len(c.SubtitleLanguages) == 1 && c.SubtitleLanguages[0] == "*"
}
