package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mivren/segmux/internal/models"
)

// DASHParser parses MPD manifests.
type DASHParser struct {
	client *http.Client
	log    zerolog.Logger
}

// NewDASHParser creates a DASH parser using the session's HTTP client.
func NewDASHParser(client *http.Client, log zerolog.Logger) *DASHParser {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DASHParser{client: client, log: log}
}

// Dialect returns the format discriminator this parser serves.
func (p *DASHParser) Dialect() string { return "dash" }

// CanParse checks whether the URL looks like a DASH manifest.
func (p *DASHParser) CanParse(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".mpd") || strings.Contains(lower, "format=mpd")
}

// Parse fetches and parses a DASH manifest.
func (p *DASHParser) Parse(ctx context.Context, urlStr string, headers map[string]string) (*models.Manifest, error) {
	content, err := p.fetch(ctx, urlStr, headers)
	if err != nil {
		return nil, &models.ParseError{Dialect: "DASH", Reason: "fetch manifest", Err: err}
	}

	baseURL, _ := url.Parse(urlStr)

	var mpd mpdRoot
	if err := xml.Unmarshal([]byte(content), &mpd); err != nil {
		return nil, &models.ParseError{Dialect: "DASH", Reason: "malformed MPD", Err: err}
	}

	return p.convertMPD(&mpd, baseURL)
}

// MPD XML structures.

type mpdRoot struct {
	XMLName                   xml.Name    `xml:"MPD"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	Periods                   []mpdPeriod `xml:"Period"`
	BaseURL                   string      `xml:"BaseURL"`
}

type mpdPeriod struct {
	ID             string             `xml:"id,attr"`
	Duration       string             `xml:"duration,attr"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
	BaseURL        string             `xml:"BaseURL"`
}

type mpdAdaptationSet struct {
	ID                 string                 `xml:"id,attr"`
	MimeType           string                 `xml:"mimeType,attr"`
	ContentType        string                 `xml:"contentType,attr"`
	Lang               string                 `xml:"lang,attr"`
	Codecs             string                 `xml:"codecs,attr"`
	Width              int                    `xml:"width,attr"`
	Height             int                    `xml:"height,attr"`
	Representations    []mpdRepresentation    `xml:"Representation"`
	ContentProtections []mpdContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *mpdSegmentTemplate    `xml:"SegmentTemplate"`
	BaseURL            string                 `xml:"BaseURL"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int64               `xml:"bandwidth,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	Codecs          string              `xml:"codecs,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *mpdSegmentList     `xml:"SegmentList"`
	BaseURL         string              `xml:"BaseURL"`
}

type mpdSegmentTemplate struct {
	Media          string       `xml:"media,attr"`
	Initialization string       `xml:"initialization,attr"`
	Timescale      int          `xml:"timescale,attr"`
	Duration       int          `xml:"duration,attr"`
	StartNumber    int          `xml:"startNumber,attr"`
	Timeline       *mpdTimeline `xml:"SegmentTimeline"`
}

type mpdTimeline struct {
	S []mpdSegmentTime `xml:"S"`
}

type mpdSegmentTime struct {
	T int `xml:"t,attr"` // start time
	D int `xml:"d,attr"` // duration
	R int `xml:"r,attr"` // repeat count
}

type mpdSegmentList struct {
	Initialization *mpdURLType  `xml:"Initialization"`
	Segments       []mpdURLType `xml:"SegmentURL"`
}

type mpdURLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Media     string `xml:"media,attr"`
	Range     string `xml:"mediaRange,attr"`
}

type mpdContentProtection struct {
	SchemeIdUri string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
}

// convertMPD converts a parsed MPD into the shared manifest model.
func (p *DASHParser) convertMPD(mpd *mpdRoot, baseURL *url.URL) (*models.Manifest, error) {
	manifest := &models.Manifest{
		URL:      baseURL.String(),
		Type:     models.ManifestDASH,
		Duration: parseISODuration(mpd.MediaPresentationDuration),
	}

	for _, period := range mpd.Periods {
		periodBase := resolveBase(baseURL, mpd.BaseURL, period.BaseURL)

		for _, as := range period.AdaptationSets {
			asBase := resolveBase(periodBase, as.BaseURL)
			kind := detectKind(as.MimeType, as.ContentType, as.Codecs)

			var keyID string
			encrypted := len(as.ContentProtections) > 0
			for _, cp := range as.ContentProtections {
				if cp.DefaultKID != "" {
					keyID = strings.ToLower(strings.ReplaceAll(cp.DefaultKID, "-", ""))
				}
				p.recordProtection(manifest, cp, keyID)
			}

			for _, rep := range as.Representations {
				repBase := resolveBase(asBase, rep.BaseURL)

				rendition := &models.Rendition{
					ID:        rep.ID,
					Kind:      kind,
					Bandwidth: rep.Bandwidth,
					Codec:     firstNonEmpty(rep.Codecs, as.Codecs),
					Language:  as.Lang,
					Resolution: models.Resolution{
						Width:  firstNonZero(rep.Width, as.Width),
						Height: firstNonZero(rep.Height, as.Height),
					},
					Encrypted: encrypted,
					KeyID:     keyID,
				}

				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}

				switch {
				case tmpl != nil:
					rendition.Segments, rendition.InitSegment = p.segmentsFromTemplate(tmpl, rep, repBase, manifest.Duration)
					if len(rendition.Segments) == 0 {
						rendition.Unavailable = true
						p.log.Warn().Str("rendition", rendition.ID).
							Msg("segment count underivable from template, degrading rendition")
					}
				case rep.SegmentList != nil:
					rendition.Segments, rendition.InitSegment = p.segmentsFromList(rep.SegmentList, repBase)
				case rep.BaseURL != "":
					// Non-segmented content, e.g. a single VTT subtitle file.
					rendition.Segments = []*models.Segment{{Index: 0, URL: repBase.String()}}
				}

				manifest.Renditions = append(manifest.Renditions, rendition)
			}
		}
	}

	return manifest, nil
}

// recordProtection folds one ContentProtection element into the manifest's
// protection metadata.
func (p *DASHParser) recordProtection(manifest *models.Manifest, cp mpdContentProtection, keyID string) {
	if manifest.Protection == nil {
		manifest.Protection = &models.Protection{Scheme: "cenc"}
	}
	if cp.PSSH != "" && manifest.Protection.PSSH == "" {
		manifest.Protection.PSSH = strings.TrimSpace(cp.PSSH)
	}
	if keyID != "" && !manifest.Protection.DeclaresKeyID(keyID) {
		manifest.Protection.KeyIDs = append(manifest.Protection.KeyIDs, keyID)
	}
}

// segmentsFromTemplate generates the segment list from a SegmentTemplate.
func (p *DASHParser) segmentsFromTemplate(tmpl *mpdSegmentTemplate, rep mpdRepresentation, base *url.URL, total time.Duration) ([]*models.Segment, *models.Segment) {
	var segments []*models.Segment
	var initSeg *models.Segment

	if tmpl.Initialization != "" {
		initSeg = &models.Segment{
			Index: -1,
			URL:   resolveURL(base, expandTemplate(tmpl.Initialization, rep.ID, 0, 0)),
		}
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}
	startNumber := tmpl.StartNumber
	if startNumber == 0 {
		startNumber = 1
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0 {
		segNum := startNumber
		currentTime := 0
		index := 0

		for _, s := range tmpl.Timeline.S {
			if s.T > 0 {
				currentTime = s.T
			}
			repeat := s.R + 1
			if s.R < 0 {
				repeat = 1
			}

			for i := 0; i < repeat; i++ {
				segments = append(segments, &models.Segment{
					Index:    index,
					URL:      resolveURL(base, expandTemplate(tmpl.Media, rep.ID, segNum, currentTime)),
					Duration: time.Duration(s.D) * time.Second / time.Duration(timescale),
				})
				segNum++
				index++
				currentTime += s.D
			}
		}
	} else if tmpl.Duration > 0 {
		segDur := time.Duration(tmpl.Duration) * time.Second / time.Duration(timescale)
		count := segmentCount(total, segDur)

		for i := 0; i < count; i++ {
			segments = append(segments, &models.Segment{
				Index:    i,
				URL:      resolveURL(base, expandTemplate(tmpl.Media, rep.ID, startNumber+i, 0)),
				Duration: segDur,
			})
		}
	}

	return segments, initSeg
}

// segmentCount derives the number of fixed-duration segments from the
// presentation duration. Zero means the count cannot be known; guessing
// one would fabricate URLs that may not exist.
func segmentCount(total, segDur time.Duration) int {
	if total <= 0 || segDur <= 0 {
		return 0
	}
	n := int((total + segDur - 1) / segDur)
	if n < 1 {
		n = 1
	}
	return n
}

// segmentsFromList builds segments from an explicit SegmentList.
func (p *DASHParser) segmentsFromList(list *mpdSegmentList, base *url.URL) ([]*models.Segment, *models.Segment) {
	var segments []*models.Segment
	var initSeg *models.Segment

	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		initSeg = &models.Segment{
			Index: -1,
			URL:   resolveURL(base, list.Initialization.SourceURL),
		}
		if list.Initialization.Range != "" {
			initSeg.ByteRange = parseByteRange(list.Initialization.Range)
		}
	}

	for i, seg := range list.Segments {
		s := &models.Segment{
			Index: i,
			URL:   resolveURL(base, seg.Media),
		}
		if seg.Range != "" {
			s.ByteRange = parseByteRange(seg.Range)
		}
		segments = append(segments, s)
	}

	return segments, initSeg
}

func (p *DASHParser) fetch(ctx context.Context, urlStr string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// Helpers.

func detectKind(mimeType, contentType, codecs string) models.RenditionKind {
	check := strings.ToLower(mimeType + contentType)
	switch {
	case strings.Contains(check, "video"):
		return models.KindVideo
	case strings.Contains(check, "audio"):
		return models.KindAudio
	case strings.Contains(check, "text"), strings.Contains(check, "subtitle"):
		return models.KindSubtitle
	case models.HasSubtitleCodec(codecs):
		return models.KindSubtitle
	case models.HasAudioCodec(codecs):
		return models.KindAudio
	default:
		return models.KindVideo
	}
}

func resolveBase(parent *url.URL, paths ...string) *url.URL {
	result := parent
	for _, p := range paths {
		if p == "" {
			continue
		}
		if rel, err := url.Parse(p); err == nil {
			result = result.ResolveReference(rel)
		}
	}
	return result
}

var numberFmtRe = regexp.MustCompile(`\$Number%(\d+)d\$`)

func expandTemplate(template string, repID string, number int, t int) string {
	result := template
	result = strings.ReplaceAll(result, "$RepresentationID$", repID)
	result = strings.ReplaceAll(result, "$Number$", strconv.Itoa(number))
	result = strings.ReplaceAll(result, "$Time$", strconv.Itoa(t))

	// $Number%05d$ style format
	result = numberFmtRe.ReplaceAllStringFunc(result, func(match string) string {
		width, _ := strconv.Atoi(numberFmtRe.FindStringSubmatch(match)[1])
		return fmt.Sprintf("%0*d", width, number)
	})

	return result
}

// parseISODuration parses an ISO-8601 duration like "PT1H2M3.5S".
func parseISODuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	s = strings.TrimPrefix(s, "PT")
	s = strings.TrimPrefix(s, "P")

	var hours, minutes, seconds float64

	if idx := strings.Index(s, "H"); idx != -1 {
		hours, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "M"); idx != -1 {
		minutes, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "S"); idx != -1 {
		seconds, _ = strconv.ParseFloat(s[:idx], 64)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
