package parser

import (
	"bufio"
	"context"
	"encoding/hex"
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

// HLSParser parses m3u8 master and media playlists.
type HLSParser struct {
	client *http.Client
	log    zerolog.Logger
}

// NewHLSParser creates an HLS parser using the session's HTTP client.
func NewHLSParser(client *http.Client, log zerolog.Logger) *HLSParser {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HLSParser{client: client, log: log}
}

// Dialect returns the format discriminator this parser serves.
func (p *HLSParser) Dialect() string { return "hls" }

// CanParse checks whether the URL looks like an HLS manifest.
func (p *HLSParser) CanParse(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".m3u8") || strings.Contains(lower, "format=m3u8")
}

// Parse fetches and parses an HLS manifest, following child playlists of a
// master. A failed child degrades that one rendition instead of failing the
// whole manifest.
func (p *HLSParser) Parse(ctx context.Context, urlStr string, headers map[string]string) (*models.Manifest, error) {
	content, err := p.fetch(ctx, urlStr, headers)
	if err != nil {
		return nil, &models.ParseError{Dialect: "HLS", Reason: "fetch manifest", Err: err}
	}

	baseURL, _ := url.Parse(urlStr)

	if strings.Contains(content, "#EXT-X-STREAM-INF") {
		return p.parseMaster(ctx, content, baseURL, headers)
	}
	return p.parseMedia(content, baseURL)
}

// parseMaster parses a master (variant) playlist.
func (p *HLSParser) parseMaster(ctx context.Context, content string, baseURL *url.URL, headers map[string]string) (*models.Manifest, error) {
	manifest := &models.Manifest{
		URL:  baseURL.String(),
		Type: models.ManifestHLS,
	}

	var currentAttrs map[string]string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			currentAttrs = parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			rendition, mediaURL := p.parseMediaRendition(attrs, baseURL)
			// Renditions without a URI are muxed into the video variants.
			if rendition != nil && mediaURL != "" {
				rendition.MediaPlaylistURL = mediaURL
				manifest.Renditions = append(manifest.Renditions, rendition)
			}

		case !strings.HasPrefix(line, "#") && line != "" && currentAttrs != nil:
			// URI line belonging to the preceding STREAM-INF.
			mediaURL := resolveURL(baseURL, line)
			rendition := p.parseVariantRendition(currentAttrs, mediaURL)

			child, err := p.Parse(ctx, mediaURL, headers)
			if err != nil || len(child.Renditions) == 0 {
				rendition.Unavailable = true
				p.log.Warn().Str("rendition", rendition.ID).Err(err).
					Msg("child playlist unavailable, degrading rendition")
			} else {
				rendition.Segments = child.Renditions[0].Segments
				rendition.InitSegment = child.Renditions[0].InitSegment
				rendition.Encrypted = child.Renditions[0].Encrypted
				rendition.EncryptionURI = child.Renditions[0].EncryptionURI
				rendition.EncryptionIV = child.Renditions[0].EncryptionIV
				if manifest.Duration == 0 {
					manifest.Duration = child.Duration
				}
				if manifest.Protection == nil {
					manifest.Protection = child.Protection
				}
			}

			manifest.Renditions = append(manifest.Renditions, rendition)
			currentAttrs = nil
		}
	}

	return manifest, nil
}

// parseMedia parses a media playlist into a single rendition.
func (p *HLSParser) parseMedia(content string, baseURL *url.URL) (*models.Manifest, error) {
	manifest := &models.Manifest{
		URL:  baseURL.String(),
		Type: models.ManifestHLS,
	}

	rendition := &models.Rendition{
		ID:   "0",
		Kind: models.KindVideo,
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	var segmentDuration time.Duration
	segmentIndex := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")); err == nil {
				segmentIndex = n
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			durStr := strings.Split(strings.TrimPrefix(line, "#EXTINF:"), ",")[0]
			if dur, err := strconv.ParseFloat(durStr, 64); err == nil {
				segmentDuration = time.Duration(dur * float64(time.Second))
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			p.applyKey(manifest, rendition, attrs, baseURL)

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			if uri, ok := attrs["URI"]; ok {
				rendition.InitSegment = &models.Segment{
					Index: -1,
					URL:   resolveURL(baseURL, strings.Trim(uri, "\"")),
				}
				if br, ok := attrs["BYTERANGE"]; ok {
					rendition.InitSegment.ByteRange = parseByteRange(br)
				}
			}

		case !strings.HasPrefix(line, "#") && line != "":
			segment := &models.Segment{
				Index:    segmentIndex,
				URL:      resolveURL(baseURL, line),
				Duration: segmentDuration,
				IV:       rendition.EncryptionIV,
			}
			rendition.Segments = append(rendition.Segments, segment)
			manifest.Duration += segmentDuration
			segmentIndex++
		}
	}

	manifest.Renditions = append(manifest.Renditions, rendition)
	return manifest, nil
}

// applyKey records an #EXT-X-KEY declaration on the rendition and the
// manifest's protection metadata.
func (p *HLSParser) applyKey(manifest *models.Manifest, rendition *models.Rendition, attrs map[string]string, baseURL *url.URL) {
	method := strings.ToUpper(strings.Trim(attrs["METHOD"], "\""))
	if method == "" || method == "NONE" {
		return
	}

	rendition.Encrypted = true
	if uri, ok := attrs["URI"]; ok {
		rendition.EncryptionURI = resolveURL(baseURL, strings.Trim(uri, "\""))
	}
	if iv, ok := attrs["IV"]; ok {
		rendition.EncryptionIV = parseHexBytes(iv)
	}

	scheme := "aes-128"
	if method == "SAMPLE-AES" || strings.Contains(method, "CENC") || strings.Contains(method, "CTR") {
		scheme = "cenc"
	}
	if kid, ok := attrs["KEYID"]; ok {
		rendition.KeyID = strings.TrimPrefix(strings.Trim(kid, "\""), "0x")
	}

	if manifest.Protection == nil {
		manifest.Protection = &models.Protection{
			Scheme:     scheme,
			LicenseURL: rendition.EncryptionURI,
		}
	}
	if rendition.KeyID != "" && !manifest.Protection.DeclaresKeyID(rendition.KeyID) {
		manifest.Protection.KeyIDs = append(manifest.Protection.KeyIDs, rendition.KeyID)
	}
}

// parseVariantRendition creates a video rendition from STREAM-INF attributes.
func (p *HLSParser) parseVariantRendition(attrs map[string]string, mediaURL string) *models.Rendition {
	rendition := &models.Rendition{
		Kind:             models.KindVideo,
		MediaPlaylistURL: mediaURL,
	}

	if bw, ok := attrs["BANDWIDTH"]; ok {
		rendition.Bandwidth, _ = strconv.ParseInt(bw, 10, 64)
	}
	if res, ok := attrs["RESOLUTION"]; ok {
		parts := strings.Split(res, "x")
		if len(parts) == 2 {
			rendition.Resolution.Width, _ = strconv.Atoi(parts[0])
			rendition.Resolution.Height, _ = strconv.Atoi(parts[1])
		}
	}
	if codecs, ok := attrs["CODECS"]; ok {
		rendition.Codec = strings.Trim(codecs, "\"")
	}

	rendition.ID = fmt.Sprintf("video_%d_%d", rendition.Resolution.Height, rendition.Bandwidth)
	return rendition
}

// parseMediaRendition creates a rendition from EXT-X-MEDIA attributes.
func (p *HLSParser) parseMediaRendition(attrs map[string]string, baseURL *url.URL) (*models.Rendition, string) {
	rendition := &models.Rendition{}

	switch strings.ToUpper(strings.Trim(attrs["TYPE"], "\"")) {
	case "AUDIO":
		rendition.Kind = models.KindAudio
	case "SUBTITLES", "CLOSED-CAPTIONS":
		rendition.Kind = models.KindSubtitle
	default:
		rendition.Kind = models.KindVideo
	}

	if name, ok := attrs["NAME"]; ok {
		rendition.Name = strings.Trim(name, "\"")
	}
	if lang, ok := attrs["LANGUAGE"]; ok {
		rendition.Language = strings.Trim(lang, "\"")
	}
	rendition.Default = strings.EqualFold(strings.Trim(attrs["DEFAULT"], "\""), "YES")

	var mediaURL string
	if uri, ok := attrs["URI"]; ok {
		mediaURL = resolveURL(baseURL, strings.Trim(uri, "\""))
	}

	groupID := strings.Trim(attrs["GROUP-ID"], "\"")
	rendition.ID = fmt.Sprintf("%s_%s_%s", rendition.Kind, groupID, rendition.Language)
	return rendition, mediaURL
}

// fetch downloads the playlist body.
func (p *HLSParser) fetch(ctx context.Context, urlStr string, headers map[string]string) (string, error) {
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

var hlsAttrRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// parseHLSAttributes parses an HLS attribute list.
func parseHLSAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range hlsAttrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = m[2]
		}
	}
	return attrs
}

func parseHexBytes(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.Trim(s, "\""), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// ParseMediaPlaylist parses an HLS media playlist body into a rendition
// carrying its segments, init segment and any #EXT-X-KEY encryption
// metadata, plus the protection the playlist declares. Used for lazy
// loading of audio and subtitle renditions referenced from a master
// playlist.
func ParseMediaPlaylist(content string, baseURLStr string) (*models.Rendition, *models.Protection) {
	baseURL, _ := url.Parse(baseURLStr)
	p := &HLSParser{}

	manifest, err := p.parseMedia(content, baseURL)
	if err != nil || len(manifest.Renditions) == 0 {
		return nil, nil
	}
	return manifest.Renditions[0], manifest.Protection
}
