package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		URL:  "https://example.com/master.m3u8",
		Type: ManifestHLS,
		Renditions: []*Rendition{
			{
				ID:   "video_1080",
				Kind: KindVideo,
				Segments: []*Segment{
					{Index: 0, URL: "https://example.com/0.ts"},
					{Index: 1, URL: "https://example.com/1.ts"},
					{Index: 2, URL: "https://example.com/2.ts"},
				},
			},
			{ID: "audio_ita", Kind: KindAudio, Language: "ita"},
		},
	}
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	require.NoError(t, validManifest().Validate())
}

func TestValidateRejectsEmptyManifest(t *testing.T) {
	m := &Manifest{Type: ManifestDASH}
	err := m.Validate()
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "DASH", perr.Dialect)
}

func TestValidateRejectsNonAscendingSegmentIndices(t *testing.T) {
	m := validManifest()
	m.Renditions[0].Segments[2].Index = 1

	var perr *ParseError
	require.ErrorAs(t, m.Validate(), &perr)
	assert.Contains(t, perr.Reason, "not ascending")
}

func TestValidateRejectsUndeclaredKeyID(t *testing.T) {
	m := validManifest()
	m.Protection = &Protection{Scheme: "cenc", KeyIDs: []string{"aaaa"}}
	m.Renditions[0].KeyID = "bbbb"

	var perr *ParseError
	require.ErrorAs(t, m.Validate(), &perr)
	assert.Contains(t, perr.Reason, "undeclared key id")
}

func TestValidateAcceptsDeclaredKeyIDCaseInsensitive(t *testing.T) {
	m := validManifest()
	m.Protection = &Protection{Scheme: "cenc", KeyIDs: []string{"AAAA"}}
	m.Renditions[0].KeyID = "aaaa"

	require.NoError(t, m.Validate())
}

func TestValidateRejectsOnlyVideoRenditionUnavailable(t *testing.T) {
	m := validManifest()
	m.Renditions[0].Unavailable = true

	var perr *ParseError
	require.ErrorAs(t, m.Validate(), &perr)
	assert.Contains(t, perr.Reason, "unavailable")
}

func TestUnavailableAudioIsDegradedNotFatal(t *testing.T) {
	m := validManifest()
	m.Renditions[1].Unavailable = true

	require.NoError(t, m.Validate())
	assert.Empty(t, m.Audios())
	assert.Len(t, m.Videos(), 1)
}

func TestQualityLabel(t *testing.T) {
	tests := []struct {
		height int
		want   string
	}{
		{2160, "4K"},
		{1080, "1080p"},
		{720, "720p"},
		{540, "480p"},
		{200, "200p"},
		{0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Resolution{Height: tt.height}.QualityLabel())
	}
}
