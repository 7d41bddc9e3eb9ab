package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/mivren/segmux/internal/config"
	"github.com/mivren/segmux/internal/keys"
	"github.com/mivren/segmux/internal/models"
	"github.com/mivren/segmux/internal/parser"
)

// Orchestrator runs one fetcher pool per selected rendition and aggregates
// their outcomes. Video and audio failures are fatal and cancel sibling
// pools; subtitle failures degrade the result instead.
type Orchestrator struct {
	Client     *http.Client
	Store      *SegmentStore
	Provider   *keys.Provider
	StaticKeys keys.SessionKeySet
	Config     *config.Config
	Progress   *ProgressState
	Log        zerolog.Logger

	checkpoint *Checkpoint
}

// Run downloads every rendition in the selection. The returned result
// carries per-rendition reports even on failure, so a caller can show what
// was achieved before the abort.
func (o *Orchestrator) Run(ctx context.Context, manifest *models.Manifest, selection *SelectionResult) (*models.DownloadResult, error) {
	result := &models.DownloadResult{}

	if err := o.prepareRenditions(ctx, manifest, selection, result); err != nil {
		return result, err
	}

	keySet, err := o.acquireKeys(ctx, manifest, selection)
	if err != nil {
		return result, err
	}

	o.loadCheckpoint(manifest.URL)

	renditions := selection.Renditions()
	for _, r := range renditions {
		o.Progress.AddTotal(len(r.Segments))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var mu sync.Mutex
	var fatal error

	runOne := func(r *models.Rendition) {
		pool := o.newPool(manifest, keySet)
		report, err := pool.Fetch(runCtx, r)

		mu.Lock()
		defer mu.Unlock()
		result.Reports = append(result.Reports, report)

		if err != nil {
			if r.Kind == models.KindSubtitle {
				result.DegradedSubtitles = append(result.DegradedSubtitles, r.ID)
				result.Warnings = append(result.Warnings, fmt.Sprintf("subtitle %s failed: %v", r.ID, err))
				o.Log.Warn().Str("rendition", r.ID).Err(err).Msg("excluding failed subtitle track")
				return
			}
			if fatal == nil {
				fatal = err
				cancelRun()
			}
			return
		}

		if o.Config.CheckSegmentsCount {
			if v := Verify(r, report); !v.OK() {
				result.Warnings = append(result.Warnings, v.Warning)
				o.Log.Warn().Str("rendition", r.ID).Msg(v.Warning)
			}
		}
	}

	if o.Config.ConcurrentDownload && len(renditions) > 1 {
		var wg conc.WaitGroup
		for _, r := range renditions {
			r := r
			wg.Go(func() { runOne(r) })
		}
		wg.Wait()
	} else {
		for _, r := range renditions {
			mu.Lock()
			stop := fatal != nil
			mu.Unlock()
			if stop {
				break
			}
			runOne(r)
		}
	}

	if fatal != nil {
		return result, fatal
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// Checkpoint returns the resume checkpoint for this run, available after
// Run has started.
func (o *Orchestrator) Checkpoint() *Checkpoint { return o.checkpoint }

// prepareRenditions resolves lazily-loaded media playlists for renditions
// that only carry a playlist URL. A subtitle playlist that cannot be
// loaded degrades; anything else is fatal.
func (o *Orchestrator) prepareRenditions(ctx context.Context, manifest *models.Manifest, selection *SelectionResult, result *models.DownloadResult) error {
	keep := selection.Subtitles[:0]
	for _, r := range selection.Renditions() {
		if len(r.Segments) > 0 || r.MediaPlaylistURL == "" {
			if r.Kind == models.KindSubtitle {
				keep = append(keep, r)
			}
			continue
		}

		content, err := o.fetchText(ctx, r.MediaPlaylistURL)
		if err == nil {
			parsed, prot := parser.ParseMediaPlaylist(content, r.MediaPlaylistURL)
			if parsed == nil || len(parsed.Segments) == 0 {
				err = fmt.Errorf("playlist %s has no segments", r.MediaPlaylistURL)
			} else {
				r.Segments = parsed.Segments
				if r.InitSegment == nil {
					r.InitSegment = parsed.InitSegment
				}
				if parsed.Encrypted {
					r.Encrypted = true
					r.EncryptionURI = parsed.EncryptionURI
					r.EncryptionIV = parsed.EncryptionIV
					if r.KeyID == "" {
						r.KeyID = parsed.KeyID
					}
				}
				// A key discovered only in the child playlist still has
				// to drive key acquisition.
				if manifest.Protection == nil {
					manifest.Protection = prot
				}
			}
		}

		if err != nil {
			if r.Kind == models.KindSubtitle {
				result.DegradedSubtitles = append(result.DegradedSubtitles, r.ID)
				result.Warnings = append(result.Warnings, fmt.Sprintf("subtitle %s playlist failed: %v", r.ID, err))
				o.Log.Warn().Str("rendition", r.ID).Err(err).Msg("excluding subtitle with unreachable playlist")
				continue
			}
			return &models.FetchError{RenditionID: r.ID, SegmentIndex: -1, Err: err}
		}
		if r.Kind == models.KindSubtitle {
			keep = append(keep, r)
		}
	}
	selection.Subtitles = keep
	return nil
}

// acquireKeys resolves the session key set: explicitly supplied keys win,
// otherwise the provider performs the license exchange. Network failures
// are retried; rejected challenges and unsupported schemes are not.
func (o *Orchestrator) acquireKeys(ctx context.Context, manifest *models.Manifest, selection *SelectionResult) (keys.SessionKeySet, error) {
	if manifest.Protection == nil || manifest.Protection.Scheme == "" {
		return keys.SessionKeySet{}, nil
	}
	if o.StaticKeys.Len() > 0 {
		return o.StaticKeys, nil
	}
	if o.Provider == nil {
		return keys.SessionKeySet{}, &keys.KeyError{
			Class:  keys.ClassUnsupportedScheme,
			Scheme: manifest.Protection.Scheme,
			Err:    fmt.Errorf("no key provider configured"),
		}
	}

	keyIDs := append([]string(nil), manifest.Protection.KeyIDs...)
	for _, r := range selection.Renditions() {
		if r.KeyID != "" && !manifest.Protection.DeclaresKeyID(r.KeyID) {
			keyIDs = append(keyIDs, r.KeyID)
		}
	}

	attempts := uint(o.Config.RetryLimit) + 1

	var set keys.SessionKeySet
	err := retry.Do(
		func() error {
			var err error
			set, err = o.Provider.Acquire(ctx, manifest.Protection, keyIDs)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(keys.IsRetryable),
	)
	return set, err
}

func (o *Orchestrator) loadCheckpoint(manifestURL string) {
	path := CheckpointPath(o.Store.Dir())
	cp, err := LoadCheckpoint(o.Store.Fs(), path)
	if err != nil {
		o.Log.Warn().Err(err).Msg("discarding unreadable checkpoint")
	}
	if cp != nil && cp.Matches(o.Config.SessionID, manifestURL) {
		o.Log.Info().Str("session", o.Config.SessionID).Msg("resuming previous session")
		o.checkpoint = cp
		return
	}
	o.checkpoint = NewCheckpoint(o.Config.SessionID, manifestURL, o.Store.Dir())
}

func (o *Orchestrator) newPool(manifest *models.Manifest, keySet keys.SessionKeySet) *FetcherPool {
	return &FetcherPool{
		Client:     o.Client,
		Store:      o.Store,
		Checkpoint: o.checkpoint,
		Progress:   o.Progress,
		Keys:       keySet,
		Protection: manifest.Protection,
		Headers:    o.Config.Headers,
		Config: PoolConfig{
			MaxParallel:    o.Config.Threads,
			RetryLimit:     o.Config.RetryLimit,
			SegmentTimeout: o.Config.SegmentTimeout,
		},
		Log: o.Log,
	}
}

func (o *Orchestrator) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range o.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}
