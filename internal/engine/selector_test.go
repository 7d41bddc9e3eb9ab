package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivren/segmux/internal/config"
	"github.com/mivren/segmux/internal/models"
)

func video(id string, height, bandwidth int) *models.Rendition {
	return &models.Rendition{
		ID:         id,
		Kind:       models.KindVideo,
		Bandwidth:  int64(bandwidth),
		Resolution: models.Resolution{Width: height * 16 / 9, Height: height},
	}
}

func audio(id, lang string, def bool) *models.Rendition {
	return &models.Rendition{ID: id, Kind: models.KindAudio, Language: lang, Default: def}
}

func subtitle(id, lang string) *models.Rendition {
	return &models.Rendition{ID: id, Kind: models.KindSubtitle, Language: lang}
}

func selectorManifest(renditions ...*models.Rendition) *models.Manifest {
	return &models.Manifest{URL: "https://cdn.example/master.m3u8", Type: models.ManifestHLS, Renditions: renditions}
}

func TestSelectBestPicksHighestResolution(t *testing.T) {
	m := selectorManifest(
		video("video_720", 720, 2_000_000),
		video("video_1080", 1080, 5_000_000),
		video("video_480", 480, 900_000),
		audio("audio_eng", "eng", true),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest})
	require.NoError(t, err)
	assert.Equal(t, "video_1080", res.Video.ID)
}

func TestSelectBandwidthBreaksResolutionTie(t *testing.T) {
	m := selectorManifest(
		video("video_low", 1080, 3_000_000),
		video("video_high", 1080, 6_000_000),
		audio("audio_eng", "eng", true),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest})
	require.NoError(t, err)
	assert.Equal(t, "video_high", res.Video.ID)
}

func TestSelectExplicitQualityClosestBelow(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		video("video_480", 480, 900_000),
		audio("audio_eng", "eng", true),
	)

	res, err := Select(m, SelectionOptions{Quality: "720"})
	require.NoError(t, err)
	assert.Equal(t, "video_480", res.Video.ID)

	res, err = Select(m, SelectionOptions{Quality: "1080p"})
	require.NoError(t, err)
	assert.Equal(t, "video_1080", res.Video.ID)
}

func TestSelectExplicitQualityBelowAllFallsBackToBest(t *testing.T) {
	m := selectorManifest(
		video("video_2160", 2160, 15_000_000),
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", true),
	)

	// Nothing at or under 720: take the best on offer, never the worst.
	res, err := Select(m, SelectionOptions{Quality: "720"})
	require.NoError(t, err)
	assert.Equal(t, "video_2160", res.Video.ID)
}

func TestSelectHeightCeilingCapsQuality(t *testing.T) {
	m := selectorManifest(
		video("video_2160", 2160, 15_000_000),
		video("video_1080", 1080, 5_000_000),
		video("video_720", 720, 2_000_000),
		audio("audio_eng", "eng", true),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest, HeightCeiling: 1080})
	require.NoError(t, err)
	assert.Equal(t, "video_1080", res.Video.ID)
}

func TestSelectNoVideoFails(t *testing.T) {
	m := selectorManifest(audio("audio_eng", "eng", true))

	_, err := Select(m, SelectionOptions{Quality: config.QualityBest})
	var selErr *models.SelectionError
	require.ErrorAs(t, err, &selErr)
}

func TestSelectAudioPreferenceOrder(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", false),
		audio("audio_spa", "spa", true),
	)

	res, err := Select(m, SelectionOptions{
		Quality:        config.QualityBest,
		AudioLanguages: []string{"ita", "eng"},
	})
	require.NoError(t, err)
	require.Len(t, res.Audio, 1)
	assert.Equal(t, "audio_eng", res.Audio[0].ID)
}

func TestSelectAudioFallsBackToDefault(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_fra", "fra", false),
		audio("audio_spa", "spa", true),
	)

	res, err := Select(m, SelectionOptions{
		Quality:        config.QualityBest,
		AudioLanguages: []string{"ita"},
	})
	require.NoError(t, err)
	require.Len(t, res.Audio, 1)
	assert.Equal(t, "audio_spa", res.Audio[0].ID)
}

func TestSelectAudioFallsBackToFirstWithoutDefault(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_fra", "fra", false),
		audio("audio_deu", "deu", false),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest})
	require.NoError(t, err)
	require.Len(t, res.Audio, 1)
	assert.Equal(t, "audio_fra", res.Audio[0].ID)
}

func TestSelectAudioMatchesAcrossTagForms(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_it", "it-IT", false),
		audio("audio_en", "en", true),
	)

	res, err := Select(m, SelectionOptions{
		Quality:        config.QualityBest,
		AudioLanguages: []string{"ita"},
	})
	require.NoError(t, err)
	require.Len(t, res.Audio, 1)
	assert.Equal(t, "audio_it", res.Audio[0].ID)
}

func TestSelectSubtitlesAll(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", true),
		subtitle("sub_eng", "eng"),
		subtitle("sub_ita", "ita"),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest, SubtitleAll: true})
	require.NoError(t, err)
	assert.Len(t, res.Subtitles, 2)
}

func TestSelectSubtitlesAllWithNoneIsNotAnError(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", true),
	)

	res, err := Select(m, SelectionOptions{Quality: config.QualityBest, SubtitleAll: true})
	require.NoError(t, err)
	assert.Empty(t, res.Subtitles)
}

func TestSelectSubtitlesSkipsMissingLanguages(t *testing.T) {
	m := selectorManifest(
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", true),
		subtitle("sub_eng", "eng"),
	)

	res, err := Select(m, SelectionOptions{
		Quality:           config.QualityBest,
		SubtitleLanguages: []string{"ita", "eng"},
	})
	require.NoError(t, err)
	require.Len(t, res.Subtitles, 1)
	assert.Equal(t, "sub_eng", res.Subtitles[0].ID)
}

func TestSelectIsDeterministic(t *testing.T) {
	m := selectorManifest(
		video("video_720", 720, 2_000_000),
		video("video_1080", 1080, 5_000_000),
		audio("audio_eng", "eng", false),
		audio("audio_ita", "ita", true),
		subtitle("sub_eng", "eng"),
		subtitle("sub_ita", "ita"),
	)
	opts := SelectionOptions{
		Quality:           config.QualityBest,
		AudioLanguages:    []string{"ita", "eng"},
		SubtitleLanguages: []string{"eng"},
	}

	first, err := Select(m, opts)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Select(m, opts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
