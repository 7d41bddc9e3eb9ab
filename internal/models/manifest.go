// Package models defines the core data structures for segmented media streams.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ManifestType identifies the manifest dialect.
type ManifestType int

const (
	ManifestHLS ManifestType = iota
	ManifestDASH
)

func (t ManifestType) String() string {
	switch t {
	case ManifestHLS:
		return "HLS"
	case ManifestDASH:
		return "DASH"
	default:
		return "Unknown"
	}
}

// Manifest is the parsed description of all available renditions.
// Immutable once Validate has accepted it.
type Manifest struct {
	URL        string
	Type       ManifestType
	Renditions []*Rendition
	Duration   time.Duration
	Protection *Protection
}

// Protection carries the key-system metadata declared by the manifest.
type Protection struct {
	Scheme     string // "aes-128", "cenc", ...
	LicenseURL string
	PSSH       string
	KeyIDs     []string
}

// DeclaresKeyID reports whether kid was declared by the manifest.
func (p *Protection) DeclaresKeyID(kid string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.KeyIDs {
		if strings.EqualFold(id, kid) {
			return true
		}
	}
	return false
}

// RenditionKind classifies a rendition.
type RenditionKind int

const (
	KindVideo RenditionKind = iota
	KindAudio
	KindSubtitle
)

func (k RenditionKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Rendition is one selectable stream variant.
type Rendition struct {
	ID          string
	Kind        RenditionKind
	Codec       string
	Bandwidth   int64
	Resolution  Resolution
	Language    string
	Name        string
	Default     bool
	Segments    []*Segment
	InitSegment *Segment

	// Media playlist URL for lazy loading (HLS audio/subtitle renditions).
	MediaPlaylistURL string

	// Set when the child playlist could not be fetched or parsed.
	Unavailable bool

	// Encryption info
	Encrypted     bool
	EncryptionURI string
	EncryptionIV  []byte
	KeyID         string
}

// Resolution represents video dimensions.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	if r.Width == 0 && r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// QualityLabel returns a human-readable quality label (e.g., "1080p").
func (r Resolution) QualityLabel() string {
	switch {
	case r.Height >= 2160:
		return "4K"
	case r.Height >= 1440:
		return "1440p"
	case r.Height >= 1080:
		return "1080p"
	case r.Height >= 720:
		return "720p"
	case r.Height >= 480:
		return "480p"
	case r.Height >= 360:
		return "360p"
	case r.Height > 0:
		return fmt.Sprintf("%dp", r.Height)
	default:
		return ""
	}
}

// Segment is one independently fetchable chunk of a rendition.
type Segment struct {
	Index        int
	URL          string
	Duration     time.Duration
	ExpectedSize int64
	ByteRange    *ByteRange
	IV           []byte
}

// ByteRange represents HTTP Range request parameters.
type ByteRange struct {
	Start int64
	End   int64
}

// FirstSegmentIndex returns the sequence index of the first segment, or 0
// for an empty rendition.
func (r *Rendition) FirstSegmentIndex() int {
	if len(r.Segments) == 0 {
		return 0
	}
	return r.Segments[0].Index
}

// Videos returns the available (non-degraded) video renditions.
func (m *Manifest) Videos() []*Rendition { return m.byKind(KindVideo) }

// Audios returns the available audio renditions.
func (m *Manifest) Audios() []*Rendition { return m.byKind(KindAudio) }

// Subtitles returns the available subtitle renditions.
func (m *Manifest) Subtitles() []*Rendition { return m.byKind(KindSubtitle) }

func (m *Manifest) byKind(kind RenditionKind) []*Rendition {
	var out []*Rendition
	for _, r := range m.Renditions {
		if r.Kind == kind && !r.Unavailable {
			out = append(out, r)
		}
	}
	return out
}

// Validate enforces the structural invariants of a parsed manifest: at least
// one rendition, strictly ascending segment indices within each rendition,
// and no rendition referencing a key id the protection metadata does not
// declare. A manifest whose only video rendition is unavailable is invalid.
func (m *Manifest) Validate() error {
	if len(m.Renditions) == 0 {
		return &ParseError{Dialect: m.Type.String(), Reason: "manifest has no renditions"}
	}

	for _, r := range m.Renditions {
		for i := 1; i < len(r.Segments); i++ {
			if r.Segments[i].Index <= r.Segments[i-1].Index {
				return &ParseError{
					Dialect: m.Type.String(),
					Reason:  fmt.Sprintf("rendition %s: segment index %d not ascending", r.ID, r.Segments[i].Index),
				}
			}
		}
		if r.KeyID != "" && !m.Protection.DeclaresKeyID(r.KeyID) {
			return &ParseError{
				Dialect: m.Type.String(),
				Reason:  fmt.Sprintf("rendition %s references undeclared key id %s", r.ID, r.KeyID),
			}
		}
	}

	if len(m.Videos()) == 0 {
		for _, r := range m.Renditions {
			if r.Kind == KindVideo && r.Unavailable {
				return &ParseError{Dialect: m.Type.String(), Reason: "only video rendition is unavailable"}
			}
		}
	}

	return nil
}

// Codec detection helpers used by parsers when a dialect does not label
// renditions explicitly.
var (
	audioCodecs    = []string{"mp4a", "aac", "ac-3", "ec-3", "opus", "vorbis", "flac", "mp3"}
	videoCodecs    = []string{"avc", "h264", "hevc", "h265", "hvc1", "hev1", "vp9", "vp8", "av01", "av1"}
	subtitleCodecs = []string{"stpp", "wvtt", "ttml", "webvtt", "vtt", "srt"}
)

// HasAudioCodec reports whether codec looks like an audio codec string.
func HasAudioCodec(codec string) bool { return containsAny(codec, audioCodecs) }

// HasVideoCodec reports whether codec looks like a video codec string.
func HasVideoCodec(codec string) bool { return containsAny(codec, videoCodecs) }

// HasSubtitleCodec reports whether codec looks like a subtitle codec string.
func HasSubtitleCodec(codec string) bool { return containsAny(codec, subtitleCodecs) }

func containsAny(codec string, list []string) bool {
	codec = strings.ToLower(codec)
	for _, c := range list {
		if strings.Contains(codec, c) {
			return true
		}
	}
	return false
}
