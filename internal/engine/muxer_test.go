package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mivren/segmux/internal/models"
)

func TestBuildMuxArgsMapsEveryInput(t *testing.T) {
	inputs := []muxInput{
		{Path: "tmp/video_1080.mp4", Kind: models.KindVideo},
		{Path: "tmp/audio_ita.m4s", Lang: "ita", Kind: models.KindAudio},
		{Path: "tmp/audio_eng.m4s", Lang: "eng", Kind: models.KindAudio},
		{Path: "tmp/sub_eng.vtt", Lang: "eng", Kind: models.KindSubtitle},
	}

	args := buildMuxArgs(inputs, "movie.part.mp4", MuxJob{})

	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", "tmp/video_1080.mp4",
		"-i", "tmp/audio_ita.m4s",
		"-i", "tmp/audio_eng.m4s",
		"-i", "tmp/sub_eng.vtt",
		"-map", "0", "-map", "1", "-map", "2", "-map", "3",
		"-c", "copy",
		"-metadata:s:a:0", "language=ita",
		"-metadata:s:a:1", "language=eng",
		"-metadata:s:s:0", "language=eng",
		"-disposition:s:0", "0",
		"movie.part.mp4",
	}, args)
}

func TestBuildMuxArgsSetsDefaultDisposition(t *testing.T) {
	inputs := []muxInput{
		{Path: "tmp/video_1080.mp4", Kind: models.KindVideo},
		{Path: "tmp/sub_ita.vtt", Lang: "ita", Kind: models.KindSubtitle},
		{Path: "tmp/sub_eng.vtt", Lang: "eng", Kind: models.KindSubtitle},
	}

	args := buildMuxArgs(inputs, "out.mkv", MuxJob{
		SubtitleDisposition:         true,
		SubtitleDispositionLanguage: "ita",
	})

	assert.Contains(t, args, "-disposition:s:0")
	idx := indexOf(args, "-disposition:s:0")
	assert.Equal(t, "default", args[idx+1])
	idx = indexOf(args, "-disposition:s:1")
	assert.Equal(t, "0", args[idx+1])
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func TestTempOutputPathKeepsExtension(t *testing.T) {
	assert.Equal(t, "movie.part.mp4", tempOutputPath("movie.mp4"))
	assert.Equal(t, "show.part.mkv", tempOutputPath("show.mkv"))
	assert.Equal(t, "noext.part", tempOutputPath("noext"))
}

func TestStreamExt(t *testing.T) {
	ts := &models.Rendition{Segments: []*models.Segment{{URL: "https://cdn.example/seg/0.ts?tok=1"}}}
	assert.Equal(t, ".ts", streamExt(ts))

	fmp4 := &models.Rendition{InitSegment: &models.Segment{}}
	assert.Equal(t, ".mp4", streamExt(fmp4))

	sub := &models.Rendition{Kind: models.KindSubtitle}
	assert.Equal(t, ".vtt", streamExt(sub))
}
