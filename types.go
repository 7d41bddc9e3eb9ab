package segmux

import (
	"github.com/mivren/segmux/internal/models"
)

// RenditionKind classifies a rendition.
type RenditionKind int

const (
	RenditionVideo    RenditionKind = RenditionKind(models.KindVideo)
	RenditionAudio    RenditionKind = RenditionKind(models.KindAudio)
	RenditionSubtitle RenditionKind = RenditionKind(models.KindSubtitle)
)

func (k RenditionKind) String() string {
	return models.RenditionKind(k).String()
}

// Rendition is one selectable stream variant: a video quality level, an
// audio language track, or a subtitle track.
type Rendition struct {
	internal *models.Rendition
}

// ID returns the rendition's unique identifier.
func (r *Rendition) ID() string {
	return r.internal.ID
}

// Kind returns the rendition kind.
func (r *Rendition) Kind() RenditionKind {
	return RenditionKind(r.internal.Kind)
}

// Codec returns the codec string (e.g., "avc1.64001f", "mp4a.40.2").
func (r *Rendition) Codec() string {
	return r.internal.Codec
}

// Bandwidth returns the rendition's bandwidth in bits per second.
func (r *Rendition) Bandwidth() int64 {
	return r.internal.Bandwidth
}

// Resolution returns the resolution as a "WxH" string (empty for
// non-video renditions).
func (r *Rendition) Resolution() string {
	return r.internal.Resolution.String()
}

// QualityLabel returns a human-readable quality label (e.g., "1080p", "4K").
func (r *Rendition) QualityLabel() string {
	return r.internal.Resolution.QualityLabel()
}

// Language returns the rendition's language tag (e.g., "en", "ita").
func (r *Rendition) Language() string {
	return r.internal.Language
}

// Name returns the rendition's display name.
func (r *Rendition) Name() string {
	return r.internal.Name
}

// Default reports whether the manifest marks this rendition as default.
func (r *Rendition) Default() bool {
	return r.internal.Default
}

// Encrypted reports whether the rendition's segments are encrypted.
func (r *Rendition) Encrypted() bool {
	return r.internal.Encrypted
}

// Unavailable reports whether the rendition was degraded because its child
// playlist could not be loaded.
func (r *Rendition) Unavailable() bool {
	return r.internal.Unavailable
}

// SegmentCount returns the number of segments in this rendition.
func (r *Rendition) SegmentCount() int {
	return len(r.internal.Segments)
}
