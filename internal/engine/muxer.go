package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mivren/segmux/internal/models"
)

// Muxer remuxes downloaded elementary streams into a single container via
// ffmpeg stream copy. No transcoding ever happens here.
type Muxer struct {
	Store      *SegmentStore
	FFmpegPath string
	Log        zerolog.Logger
}

// MuxJob describes one merge.
type MuxJob struct {
	Selection                   *SelectionResult
	OutputPath                  string
	MergeSubs                   bool
	SubtitleDisposition         bool
	SubtitleDispositionLanguage string
}

type muxInput struct {
	Path string
	Lang string
	Kind models.RenditionKind
}

// Mux concatenates each selected rendition's segments into an elementary
// stream, merges them with ffmpeg into a temporary file, and renames it to
// the final path. An existing output is never overwritten.
func (m *Muxer) Mux(ctx context.Context, job MuxJob) (string, error) {
	if _, err := os.Stat(job.OutputPath); err == nil {
		return "", &models.MergeError{Reason: fmt.Sprintf("output %s already exists", job.OutputPath)}
	}

	inputs, err := m.exportStreams(job)
	if err != nil {
		return "", err
	}

	tempOut := tempOutputPath(job.OutputPath)
	args := buildMuxArgs(inputs, tempOut, job)

	ffmpeg := m.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	m.Log.Debug().Str("ffmpeg", ffmpeg).Strs("args", args).Msg("merging streams")

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tempOut)
		return "", &models.MergeError{
			Reason: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	if err := os.Rename(tempOut, job.OutputPath); err != nil {
		os.Remove(tempOut)
		return "", &models.MergeError{Reason: "rename merged output", Err: err}
	}
	return job.OutputPath, nil
}

// exportStreams concatenates each rendition into one file per stream inside
// the session directory. Video and audio streams must be non-empty;
// subtitle streams that come out empty are dropped with a warning.
func (m *Muxer) exportStreams(job MuxJob) ([]muxInput, error) {
	var inputs []muxInput

	export := func(r *models.Rendition) (muxInput, int64, error) {
		streamPath := filepath.Join(m.Store.Dir(), r.ID+streamExt(r))
		f, err := m.Store.Fs().Create(streamPath)
		if err != nil {
			return muxInput{}, 0, err
		}
		n, err := m.Store.Concat(r, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return muxInput{}, 0, err
		}
		return muxInput{Path: streamPath, Lang: r.Language, Kind: r.Kind}, n, nil
	}

	appendRequired := func(r *models.Rendition) error {
		in, n, err := export(r)
		if err != nil {
			return &models.MergeError{Reason: fmt.Sprintf("assemble stream %s", r.ID), Err: err}
		}
		if n == 0 {
			return &models.MergeError{Reason: fmt.Sprintf("stream %s is empty", r.ID)}
		}
		inputs = append(inputs, in)
		return nil
	}

	if job.Selection.Video != nil {
		if err := appendRequired(job.Selection.Video); err != nil {
			return nil, err
		}
	}
	for _, a := range job.Selection.Audio {
		if err := appendRequired(a); err != nil {
			return nil, err
		}
	}

	if job.MergeSubs {
		for _, s := range job.Selection.Subtitles {
			in, n, err := export(s)
			if err != nil || n == 0 {
				m.Log.Warn().Str("rendition", s.ID).Err(err).Msg("dropping empty subtitle stream")
				continue
			}
			inputs = append(inputs, in)
		}
	}

	if len(inputs) == 0 {
		return nil, &models.MergeError{Reason: "nothing to merge"}
	}
	return inputs, nil
}

// ExportSidecarSubtitles writes each selected subtitle rendition next to
// the output file instead of merging it. Used when subtitle merging is off.
func (m *Muxer) ExportSidecarSubtitles(job MuxJob) ([]string, error) {
	base := strings.TrimSuffix(job.OutputPath, filepath.Ext(job.OutputPath))

	var written []string
	for _, s := range job.Selection.Subtitles {
		lang := s.Language
		if lang == "" {
			lang = s.ID
		}
		sidecar := fmt.Sprintf("%s.%s%s", base, lang, streamExt(s))

		f, err := os.Create(sidecar)
		if err != nil {
			return written, &models.MergeError{Reason: fmt.Sprintf("write sidecar %s", sidecar), Err: err}
		}
		_, err = m.Store.Concat(s, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(sidecar)
			m.Log.Warn().Str("rendition", s.ID).Err(err).Msg("skipping sidecar subtitle")
			continue
		}
		written = append(written, sidecar)
	}
	return written, nil
}

// buildMuxArgs assembles the ffmpeg invocation: one -i and -map per input,
// stream copy, language metadata per audio and subtitle track, and a
// default disposition flag on the subtitle track matching the configured
// language.
func buildMuxArgs(inputs []muxInput, tempOut string, job MuxJob) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}

	for _, in := range inputs {
		args = append(args, "-i", in.Path)
	}
	for i := range inputs {
		args = append(args, "-map", fmt.Sprintf("%d", i))
	}
	args = append(args, "-c", "copy")

	audioIdx, subIdx := 0, 0
	for _, in := range inputs {
		switch in.Kind {
		case models.KindAudio:
			if in.Lang != "" {
				args = append(args, fmt.Sprintf("-metadata:s:a:%d", audioIdx), "language="+in.Lang)
			}
			audioIdx++
		case models.KindSubtitle:
			if in.Lang != "" {
				args = append(args, fmt.Sprintf("-metadata:s:s:%d", subIdx), "language="+in.Lang)
			}
			disposition := "0"
			if job.SubtitleDisposition && languageMatches(in.Lang, job.SubtitleDispositionLanguage) {
				disposition = "default"
			}
			args = append(args, fmt.Sprintf("-disposition:s:%d", subIdx), disposition)
			subIdx++
		}
	}

	return append(args, tempOut)
}

// tempOutputPath keeps the container extension so ffmpeg can infer the
// output format: "movie.mp4" merges into "movie.part.mp4" first.
func tempOutputPath(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + ".part" + ext
}

// streamExt picks a file extension for an assembled elementary stream from
// its segment URLs.
func streamExt(r *models.Rendition) string {
	for _, seg := range r.Segments {
		if ext := path.Ext(strings.SplitN(seg.URL, "?", 2)[0]); ext != "" {
			return ext
		}
	}
	if r.Kind == models.KindSubtitle {
		return ".vtt"
	}
	if r.InitSegment != nil {
		return ".mp4"
	}
	return ".ts"
}
