package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/mivren/segmux/internal/decryptor"
	"github.com/mivren/segmux/internal/keys"
	"github.com/mivren/segmux/internal/models"
)

// PoolConfig bounds a rendition's segment downloads.
type PoolConfig struct {
	MaxParallel    int
	RetryLimit     int
	SegmentTimeout time.Duration
}

// FetcherPool downloads every segment of one rendition with bounded
// parallelism. Segments are dispatched in ascending index order and
// persisted under their own index, so out-of-order completion never
// reorders the output. A segment that exhausts its retries cancels the
// remaining work; segments already written stay on disk for resume.
type FetcherPool struct {
	Client     *http.Client
	Store      *SegmentStore
	Checkpoint *Checkpoint
	Progress   *ProgressState
	Keys       keys.SessionKeySet
	Protection *models.Protection
	Headers    map[string]string
	Config     PoolConfig
	Log        zerolog.Logger
}

// Fetch downloads, decrypts and persists all segments of the rendition.
// The returned report is populated even when an error is returned.
func (p *FetcherPool) Fetch(ctx context.Context, rendition *models.Rendition) (*models.FetchReport, error) {
	start := time.Now()
	var completed, failed, skipped, retries, bytes atomic.Int64

	report := func() *models.FetchReport {
		return &models.FetchReport{
			RenditionID:       rendition.ID,
			SegmentsCompleted: int(completed.Load()),
			SegmentsFailed:    int(failed.Load()),
			SegmentsSkipped:   int(skipped.Load()),
			Retries:           int(retries.Load()),
			TotalBytes:        bytes.Load(),
			Elapsed:           time.Since(start),
		}
	}

	initData, err := p.fetchInit(ctx, rendition, &bytes, &retries)
	if err != nil {
		failed.Add(1)
		return report(), err
	}

	dec, err := p.buildDecryptor(rendition)
	if err != nil {
		return report(), &models.FetchError{RenditionID: rendition.ID, SegmentIndex: -1, Err: err}
	}

	workers := p.Config.MaxParallel
	if workers < 1 {
		workers = 1
	}

	grp := pool.New().
		WithMaxGoroutines(workers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for _, seg := range rendition.Segments {
		seg := seg
		grp.Go(func(ctx context.Context) error {
			if p.Checkpoint != nil && p.Checkpoint.IsDone(rendition.ID, seg.Index) {
				skipped.Add(1)
				p.Progress.SegmentDone()
				return nil
			}

			// RetryLimit counts retries beyond the first attempt.
			attempts := uint(p.Config.RetryLimit) + 1

			err := retry.Do(
				func() error {
					return p.fetchSegment(ctx, rendition, seg, initData, dec, &bytes)
				},
				retry.Context(ctx),
				retry.Attempts(attempts),
				retry.Delay(500*time.Millisecond),
				retry.MaxJitter(250*time.Millisecond),
				retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					retries.Add(1)
					p.Progress.Retry()
					p.Log.Warn().
						Str("rendition", rendition.ID).
						Int("segment", seg.Index).
						Uint("attempt", n+1).
						Err(err).
						Msg("segment retry")
				}),
			)
			if err != nil {
				// Siblings aborted by another segment's failure are not
				// failures themselves; their slots stay resumable.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed.Add(1)
				return &models.FetchError{
					RenditionID:  rendition.ID,
					SegmentIndex: seg.Index,
					Attempts:     int(attempts),
					Err:          err,
				}
			}

			completed.Add(1)
			p.Progress.SegmentDone()
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return report(), err
	}
	return report(), nil
}

// fetchInit downloads the rendition's init segment, reusing a previously
// persisted copy when resuming.
func (p *FetcherPool) fetchInit(ctx context.Context, rendition *models.Rendition, bytes, retries *atomic.Int64) ([]byte, error) {
	if rendition.InitSegment == nil {
		return nil, nil
	}

	if p.Checkpoint != nil {
		if data, err := p.Store.ReadInit(rendition.ID); err == nil && len(data) > 0 {
			return data, nil
		}
	}

	attempts := uint(p.Config.RetryLimit) + 1

	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = p.download(ctx, rendition.InitSegment)
			if err != nil {
				return err
			}
			bytes.Add(int64(len(data)))
			p.Progress.AddBytes(int64(len(data)))
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			retries.Add(1)
			p.Progress.Retry()
		}),
	)
	if err != nil {
		return nil, &models.FetchError{
			RenditionID:  rendition.ID,
			SegmentIndex: rendition.InitSegment.Index,
			Attempts:     int(attempts),
			Err:          fmt.Errorf("init segment: %w", err),
		}
	}

	if err := p.Store.WriteInit(rendition.ID, data); err != nil {
		return nil, &models.FetchError{RenditionID: rendition.ID, SegmentIndex: rendition.InitSegment.Index, Err: err}
	}
	return data, nil
}

// fetchSegment performs one attempt: download, decrypt, persist, mark done.
func (p *FetcherPool) fetchSegment(ctx context.Context, rendition *models.Rendition, seg *models.Segment, initData []byte, dec *decryptor.CENC, bytes *atomic.Int64) error {
	data, err := p.download(ctx, seg)
	if err != nil {
		return err
	}
	bytes.Add(int64(len(data)))
	p.Progress.AddBytes(int64(len(data)))

	if seg.ExpectedSize > 0 && int64(len(data)) != seg.ExpectedSize {
		return fmt.Errorf("segment %d: got %d bytes, expected %d", seg.Index, len(data), seg.ExpectedSize)
	}

	data, err = p.decrypt(rendition, seg, initData, dec, data)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	if err := p.Store.WriteSegment(rendition.ID, seg.Index, data); err != nil {
		return retry.Unrecoverable(err)
	}

	if p.Checkpoint != nil {
		p.Checkpoint.MarkDone(rendition.ID, seg.Index)
		if err := p.Checkpoint.Save(p.Store.Fs(), CheckpointPath(p.Store.Dir())); err != nil {
			p.Log.Warn().Err(err).Msg("checkpoint save failed")
		}
	}
	return nil
}

// download performs a single HTTP GET with the pool's headers and the
// segment's byte range, bounded by the per-segment timeout.
func (p *FetcherPool) download(ctx context.Context, seg *models.Segment) ([]byte, error) {
	timeout := p.Config.SegmentTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if seg.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.ByteRange.Start, seg.ByteRange.End))
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("segment %d: HTTP %d", seg.Index, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// buildDecryptor prepares the CENC decryptor once per rendition. AES-128
// renditions decrypt per segment and need no shared state.
func (p *FetcherPool) buildDecryptor(rendition *models.Rendition) (*decryptor.CENC, error) {
	if p.Protection == nil || !isCENCScheme(p.Protection.Scheme) {
		return nil, nil
	}
	if rendition.KeyID == "" && p.Keys.Len() == 0 {
		return nil, nil
	}

	kid := strings.ToLower(rendition.KeyID)
	key, ok := p.Keys.Key(kid)
	if !ok {
		return nil, fmt.Errorf("no content key for key id %q", kid)
	}

	kidBytes, err := hex.DecodeString(strings.ReplaceAll(kid, "-", ""))
	if err != nil {
		kidBytes = nil
	}
	return decryptor.NewCENC(kidBytes, key)
}

func (p *FetcherPool) decrypt(rendition *models.Rendition, seg *models.Segment, initData []byte, dec *decryptor.CENC, data []byte) ([]byte, error) {
	switch {
	case dec != nil:
		combined := make([]byte, 0, len(initData)+len(data))
		combined = append(combined, initData...)
		combined = append(combined, data...)
		out, err := dec.Decrypt(combined)
		if err != nil {
			return nil, err
		}
		return out[len(initData):], nil

	case rendition.Encrypted && p.Protection != nil && p.Protection.Scheme == "aes-128":
		key, ok := p.Keys.Key("")
		if !ok {
			return nil, fmt.Errorf("no AES-128 key in session key set")
		}
		iv := seg.IV
		if len(iv) == 0 {
			iv = rendition.EncryptionIV
		}
		if len(iv) == 0 {
			iv = decryptor.SegmentIV(seg.Index)
		}
		return decryptor.DecryptAES128(data, key, iv)

	default:
		return data, nil
	}
}

func isCENCScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "cenc", "widevine", "playready":
		return true
	}
	return false
}
