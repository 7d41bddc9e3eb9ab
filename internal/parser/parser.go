// Package parser provides manifest parsing for HLS and DASH dialects.
package parser

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mivren/segmux/internal/models"
)

// Parser parses one manifest dialect into the shared model.
type Parser interface {
	Parse(ctx context.Context, url string, headers map[string]string) (*models.Manifest, error)
	Dialect() string
	CanParse(url string) bool
}

// Registry dispatches to the parser for a manifest dialect. The dialect is
// named by the caller's format discriminator; when absent, the URL is
// sniffed. The registry never special-cases a site.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a registry with the built-in HLS and DASH parsers
// sharing the session's HTTP client.
func NewRegistry(client *http.Client, log zerolog.Logger) *Registry {
	return &Registry{
		parsers: []Parser{
			NewHLSParser(client, log),
			NewDASHParser(client, log),
		},
	}
}

// Parse resolves the parser for format (or the URL when format is empty),
// parses, and validates the result. Validation failures surface as
// *models.ParseError before any segment work starts.
func (r *Registry) Parse(ctx context.Context, urlStr, format string, headers map[string]string) (*models.Manifest, error) {
	p := r.lookup(urlStr, format)
	if p == nil {
		return nil, &models.ParseError{Dialect: format, Reason: "no parser for manifest format"}
	}

	manifest, err := p.Parse(ctx, urlStr, headers)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (r *Registry) lookup(urlStr, format string) Parser {
	format = strings.ToLower(strings.TrimSpace(format))
	for _, p := range r.parsers {
		if format != "" {
			if p.Dialect() == format {
				return p
			}
			continue
		}
		if p.CanParse(urlStr) {
			return p
		}
	}
	return nil
}

// Shared helpers.

func resolveURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

// parseByteRange parses "length@offset" (HLS) and "start-end" (DASH) range
// expressions.
func parseByteRange(s string) *models.ByteRange {
	s = strings.TrimSpace(strings.Trim(s, "\""))
	if s == "" {
		return nil
	}

	if strings.Contains(s, "@") {
		parts := strings.SplitN(s, "@", 2)
		length, err1 := strconv.ParseInt(parts[0], 10, 64)
		offset, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		return &models.ByteRange{Start: offset, End: offset + length - 1}
	}

	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &models.ByteRange{Start: start, End: end}
}
