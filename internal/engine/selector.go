package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/mivren/segmux/internal/config"
	"github.com/mivren/segmux/internal/models"
)

// SelectionOptions drive track selection.
type SelectionOptions struct {
	AudioLanguages    []string
	SubtitleLanguages []string
	SubtitleAll       bool
	Quality           string // config.QualityBest or a resolution like "1080" / "1080p"

	// HeightCeiling caps the video height after nominal quality selection.
	// Protected manifests may gate resolutions behind the license level;
	// the ceiling is applied as a hard limit on top of Quality.
	HeightCeiling int
}

// SelectionResult names the renditions chosen for download. Identical
// inputs always produce identical ordering.
type SelectionResult struct {
	Video     *models.Rendition
	Audio     []*models.Rendition
	Subtitles []*models.Rendition
}

// Renditions returns every selected rendition, video first.
func (s *SelectionResult) Renditions() []*models.Rendition {
	out := make([]*models.Rendition, 0, 1+len(s.Audio)+len(s.Subtitles))
	if s.Video != nil {
		out = append(out, s.Video)
	}
	out = append(out, s.Audio...)
	out = append(out, s.Subtitles...)
	return out
}

// Select picks one video rendition by quality policy, audio renditions by
// ordered language preference, and subtitle renditions by preference or
// all. It is a pure function of its inputs.
func Select(manifest *models.Manifest, opts SelectionOptions) (*SelectionResult, error) {
	video, err := selectVideo(manifest.Videos(), opts)
	if err != nil {
		return nil, err
	}

	return &SelectionResult{
		Video:     video,
		Audio:     selectAudio(manifest.Audios(), opts.AudioLanguages),
		Subtitles: selectSubtitles(manifest.Subtitles(), opts),
	}, nil
}

// selectVideo applies the quality policy: "Best" takes the highest
// resolution (bandwidth as tie-breaker), an explicit value takes the exact
// height or the closest below it. The DRM height ceiling is enforced
// afterwards as a hard limit.
func selectVideo(videos []*models.Rendition, opts SelectionOptions) (*models.Rendition, error) {
	if len(videos) == 0 {
		return nil, &models.SelectionError{Reason: "no video rendition available"}
	}

	sorted := make([]*models.Rendition, len(videos))
	copy(sorted, videos)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Resolution.Height != sorted[j].Resolution.Height {
			return sorted[i].Resolution.Height > sorted[j].Resolution.Height
		}
		return sorted[i].Bandwidth > sorted[j].Bandwidth
	})

	if opts.HeightCeiling > 0 {
		capped := sorted[:0:0]
		for _, v := range sorted {
			if v.Resolution.Height <= opts.HeightCeiling {
				capped = append(capped, v)
			}
		}
		if len(capped) == 0 {
			return nil, &models.SelectionError{
				Reason: fmt.Sprintf("no video rendition within the %dp license ceiling", opts.HeightCeiling),
			}
		}
		sorted = capped
	}

	quality := strings.TrimSpace(opts.Quality)
	if quality == "" || strings.EqualFold(quality, config.QualityBest) {
		return sorted[0], nil
	}

	target := parseHeight(quality)
	if target <= 0 {
		return nil, &models.SelectionError{Reason: fmt.Sprintf("unrecognized quality policy %q", quality)}
	}

	// Exact match, else closest below.
	for _, v := range sorted {
		if v.Resolution.Height == target {
			return v, nil
		}
	}
	for _, v := range sorted {
		if v.Resolution.Height < target {
			return v, nil
		}
	}
	// Everything exceeds the request; fall back to the best available.
	return sorted[0], nil
}

// selectAudio includes, for each requested language in order, the first
// matching rendition. With no match at all it falls back to the default
// (or first) rendition: a download never silently loses audio that exists.
func selectAudio(audios []*models.Rendition, langs []string) []*models.Rendition {
	if len(audios) == 0 {
		return nil
	}

	var selected []*models.Rendition
	seen := make(map[string]bool)

	for _, want := range langs {
		for _, a := range audios {
			if languageMatches(a.Language, want) && !seen[a.ID] {
				selected = append(selected, a)
				seen[a.ID] = true
				break
			}
		}
	}

	if len(selected) == 0 {
		for _, a := range audios {
			if a.Default {
				return []*models.Rendition{a}
			}
		}
		return []*models.Rendition{audios[0]}
	}
	return selected
}

// selectSubtitles includes all subtitle renditions when SubtitleAll is set;
// otherwise the first match per requested language, skipping languages that
// match nothing. No subtitles is never an error.
func selectSubtitles(subs []*models.Rendition, opts SelectionOptions) []*models.Rendition {
	if len(subs) == 0 {
		return nil
	}
	if opts.SubtitleAll {
		out := make([]*models.Rendition, len(subs))
		copy(out, subs)
		return out
	}

	var selected []*models.Rendition
	seen := make(map[string]bool)

	for _, want := range opts.SubtitleLanguages {
		for _, s := range subs {
			if languageMatches(s.Language, want) && !seen[s.ID] {
				selected = append(selected, s)
				seen[s.ID] = true
				break
			}
		}
	}
	return selected
}

// parseHeight extracts a pixel height from a policy string such as "1080",
// "1080p" or "1920x1080".
func parseHeight(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "p")
	if idx := strings.LastIndex(s, "x"); idx >= 0 {
		s = s[idx+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// languageMatches reports whether a rendition's language tag satisfies a
// requested one. Tags are compared by their base language so "ita", "it"
// and "it-IT" all match each other.
func languageMatches(trackLang, want string) bool {
	trackLang = strings.TrimSpace(trackLang)
	want = strings.TrimSpace(want)
	if trackLang == "" || want == "" {
		return false
	}
	if strings.EqualFold(trackLang, want) {
		return true
	}

	a, errA := language.Parse(trackLang)
	b, errB := language.Parse(want)
	if errA != nil || errB != nil {
		return false
	}

	baseA, confA := a.Base()
	baseB, confB := b.Base()
	if confA == language.No || confB == language.No {
		return false
	}
	return baseA == baseB
}
