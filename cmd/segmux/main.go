package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/mivren/segmux"
	"github.com/mivren/segmux/internal/models"
	"github.com/mivren/segmux/internal/tui"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

type cliFlags struct {
	url         string
	output      string
	format      string
	threads     int
	retries     int
	timeout     time.Duration
	concurrent  bool
	maxSpeed    string
	noCheck     bool
	keepTmp     bool
	tmpDir      string
	session     string
	audioLangs  stringList
	subLangs    stringList
	allSubs     bool
	resolution  string
	mergeSubs   bool
	defaultSub  string
	headers     stringList
	licenseURL  string
	keys        stringList
	noProgress  bool
	batchFile   string
	batchSlots  int
	verbose     bool
	showVersion bool
}

func main() {
	cli := parseFlags()

	if cli.showVersion {
		fmt.Printf("segmux %s (%s)\n", version, commit)
		os.Exit(0)
	}
	if cli.batchFile == "" && (cli.url == "" || cli.output == "") {
		fmt.Fprintln(os.Stderr, "Error: --url and --output are required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cli.batchFile != "" {
		if err := runBatch(ctx, cli); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cli); err != nil {
		if errors.Is(err, segmux.ErrOutputExists) {
			fmt.Fprintf(os.Stderr, "Error: %v (remove it or pick another path)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func parseFlags() *cliFlags {
	cli := &cliFlags{}

	flag.StringVar(&cli.url, "url", "", "")
	flag.StringVar(&cli.url, "u", "", "")
	flag.StringVar(&cli.output, "output", "", "")
	flag.StringVar(&cli.output, "o", "", "")
	flag.StringVar(&cli.format, "format", "", "")
	flag.StringVar(&cli.format, "f", "", "")
	flag.IntVar(&cli.threads, "threads", 0, "")
	flag.IntVar(&cli.threads, "n", 0, "")
	flag.IntVar(&cli.retries, "retries", 0, "")
	flag.DurationVar(&cli.timeout, "segment-timeout", 0, "")
	flag.BoolVar(&cli.concurrent, "concurrent", true, "")
	flag.StringVar(&cli.maxSpeed, "max-speed", "", "")
	flag.BoolVar(&cli.noCheck, "no-check", false, "")
	flag.BoolVar(&cli.keepTmp, "keep-tmp", false, "")
	flag.StringVar(&cli.tmpDir, "tmp-dir", "", "")
	flag.StringVar(&cli.session, "session", "", "")
	flag.Var(&cli.audioLangs, "audio-lang", "")
	flag.Var(&cli.audioLangs, "a", "")
	flag.Var(&cli.subLangs, "sub-lang", "")
	flag.Var(&cli.subLangs, "s", "")
	flag.BoolVar(&cli.allSubs, "all-subs", false, "")
	flag.StringVar(&cli.resolution, "resolution", "", "")
	flag.StringVar(&cli.resolution, "r", "", "")
	flag.BoolVar(&cli.mergeSubs, "merge-subs", false, "")
	flag.StringVar(&cli.defaultSub, "default-sub", "", "")
	flag.Var(&cli.headers, "header", "")
	flag.Var(&cli.headers, "H", "")
	flag.StringVar(&cli.licenseURL, "license-url", "", "")
	flag.Var(&cli.keys, "key", "")
	flag.BoolVar(&cli.noProgress, "no-progress", false, "")
	flag.StringVar(&cli.batchFile, "batch", "", "")
	flag.IntVar(&cli.batchSlots, "batch-parallel", 2, "")
	flag.BoolVar(&cli.verbose, "verbose", false, "")
	flag.BoolVar(&cli.verbose, "v", false, "")
	flag.BoolVar(&cli.showVersion, "version", false, "")

	flag.Usage = printUsage
	flag.Parse()
	return cli
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `segmux - segmented stream downloader (HLS/DASH)

Usage: segmux [options] -u <URL> -o <path>

Options:
  -u, --url <URL>            Manifest URL (m3u8 or mpd) [required]
  -o, --output <path>        Output file path [required]
  -f, --format <fmt>         Manifest dialect: hls, dash (default: sniff)
  -n, --threads <num>        Segment parallelism per rendition (default: 12)
      --retries <num>        Retries per segment after the first attempt (default: 3)
      --segment-timeout <d>  Per-segment timeout (default: 30s)
      --concurrent           Download renditions in parallel (default: true)
      --max-speed <spec>     Throughput cap, e.g. "10MB", "500 KiB"
  -a, --audio-lang <lang>    Preferred audio language (repeatable, ordered)
  -s, --sub-lang <lang>      Subtitle language to download (repeatable)
      --all-subs             Download every subtitle rendition
  -r, --resolution <res>     Video quality: "Best" or e.g. "1080"
      --merge-subs           Merge subtitles into the container
      --default-sub <lang>   Mark this subtitle language as default
  -H, --header <k: v>        Custom header (repeatable)
      --license-url <URL>    Override the DRM license endpoint
      --key <KID:KEY>        Content key in hex (repeatable)
      --session <id>         Session identity for resuming
      --tmp-dir <dir>        Segment storage directory
      --keep-tmp             Keep segment files after merge
      --no-check             Skip segment count verification
      --no-progress          Disable the TUI progress view
      --batch <file>         Queue downloads from a file ("URL output" per line)
      --batch-parallel <n>   Downloads to run at once in batch mode (default: 2)
  -v, --verbose              Log to stderr
      --version              Show version

Examples:
  segmux -u https://example.com/master.m3u8 -o video.mp4
  segmux -u https://example.com/master.m3u8 -o video.mkv -r 1080 -a ita -a eng
  segmux -u https://example.com/manifest.mpd -o video.mp4 --key 9eb4...:a1f2...
`)
}

func buildOptions(cli *cliFlags) []segmux.Option {
	return append([]segmux.Option{
		segmux.WithManifestURL(cli.url),
		segmux.WithOutput(cli.output),
	}, buildCommonOptions(cli)...)
}

func buildCommonOptions(cli *cliFlags) []segmux.Option {
	opts := []segmux.Option{
		segmux.WithConcurrentDownload(cli.concurrent),
		segmux.WithCheckSegmentsCount(!cli.noCheck),
		segmux.WithCleanupTmpFolder(!cli.keepTmp),
	}

	if cli.format != "" {
		opts = append(opts, segmux.WithFormat(cli.format))
	}
	if cli.threads > 0 {
		opts = append(opts, segmux.WithThreads(cli.threads))
	}
	if cli.retries > 0 {
		opts = append(opts, segmux.WithRetryLimit(cli.retries))
	}
	if cli.timeout > 0 {
		opts = append(opts, segmux.WithSegmentTimeout(cli.timeout))
	}
	if cli.maxSpeed != "" {
		opts = append(opts, segmux.WithMaxSpeed(cli.maxSpeed))
	}
	if cli.tmpDir != "" {
		opts = append(opts, segmux.WithTmpDir(cli.tmpDir))
	}
	if cli.session != "" {
		opts = append(opts, segmux.WithSessionID(cli.session))
	}
	if len(cli.audioLangs) > 0 {
		opts = append(opts, segmux.WithAudioLanguages(cli.audioLangs...))
	}
	if cli.allSubs {
		opts = append(opts, segmux.WithAllSubtitles())
	} else if len(cli.subLangs) > 0 {
		opts = append(opts, segmux.WithSubtitleLanguages(cli.subLangs...))
	}
	if cli.resolution != "" {
		opts = append(opts, segmux.WithForceResolution(cli.resolution))
	}
	if cli.mergeSubs {
		opts = append(opts, segmux.WithMergeSubs(true))
	}
	if cli.defaultSub != "" {
		opts = append(opts, segmux.WithSubtitleDisposition(cli.defaultSub))
	}
	if cli.licenseURL != "" {
		opts = append(opts, segmux.WithLicenseURL(cli.licenseURL))
	}
	if len(cli.keys) > 0 {
		opts = append(opts, segmux.WithDecryptionKeys(cli.keys...))
	}
	for _, h := range cli.headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			opts = append(opts, segmux.WithHeader(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])))
		}
	}
	return opts
}

func run(ctx context.Context, cli *cliFlags) error {
	d, err := segmux.New(buildOptions(cli)...)
	if err != nil {
		return err
	}
	defer d.Close()

	if cli.verbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		d.SetLogger(log)
	}

	if err := d.Parse(ctx); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if err := d.Select(); err != nil {
		return fmt.Errorf("select renditions: %w", err)
	}

	selected := d.Selection()
	fmt.Printf("Selected %d renditions from %s manifest\n", len(selected), d.ManifestType())
	for _, r := range selected {
		label := r.QualityLabel()
		if label == "" {
			label = r.ID()
		}
		fmt.Printf("  - %s: %s %s %s\n", r.Kind(), label, r.Codec(), r.Language())
	}

	if cli.noProgress {
		result, err := d.Download(ctx)
		if err != nil {
			return err
		}
		printResult(result.OutputPath, result.Warnings)
		return nil
	}

	infos := make([]tui.RenditionInfo, 0, len(selected))
	for _, r := range selected {
		label := r.QualityLabel()
		if label == "" {
			label = r.ID()
		}
		infos = append(infos, tui.RenditionInfo{
			Kind:     models.RenditionKind(r.Kind()),
			Label:    label,
			Codec:    r.Codec(),
			Language: r.Language(),
			Segments: r.SegmentCount(),
		})
	}

	model := tui.NewModel(cli.url, d.ManifestType(), infos, d.Progress)
	p := tea.NewProgram(model, tea.WithAltScreen())

	var downloadErr error
	var warnings []string
	go func() {
		result, err := d.Download(ctx)
		if err != nil {
			downloadErr = err
			p.Send(tui.ErrorMsg{Err: err})
			return
		}
		warnings = result.Warnings
		p.Send(tui.DoneMsg{Output: result.OutputPath, Warnings: result.Warnings})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	if downloadErr != nil {
		return downloadErr
	}

	printResult(cli.output, warnings)
	return nil
}

type batchEntry struct {
	url    string
	output string
}

func readBatchFile(path string) ([]batchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []batchEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("batch file line %d: want \"URL output\", got %q", i+1, line)
		}
		entries = append(entries, batchEntry{url: fields[0], output: fields[1]})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("batch file %s has no entries", path)
	}
	return entries, nil
}

func runBatch(ctx context.Context, cli *cliFlags) error {
	entries, err := readBatchFile(cli.batchFile)
	if err != nil {
		return err
	}

	mgr := segmux.NewManager(
		segmux.WithMaxConcurrent(cli.batchSlots),
		segmux.WithDefaultOptions(buildCommonOptions(cli)...),
		segmux.WithOnStateChange(func(task *segmux.Task) {
			fmt.Printf("[%s] %s\n", task.ID, task.State)
		}),
		segmux.WithOnComplete(func(task *segmux.Task) {
			fmt.Printf("[%s] ✓ %s\n", task.ID, task.OutputPath)
		}),
		segmux.WithOnError(func(task *segmux.Task, err error) {
			fmt.Fprintf(os.Stderr, "[%s] ✗ %v\n", task.ID, err)
		}),
	)
	mgr.Start()
	defer mgr.Stop()

	for i, e := range entries {
		id := fmt.Sprintf("task-%d", i+1)
		if _, err := mgr.AddTask(id, e.url, e.output); err != nil {
			return fmt.Errorf("queue %s: %w", e.url, err)
		}
	}

	done := make(chan struct{})
	go func() {
		mgr.WaitAll()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := mgr.Stats()
	fmt.Printf("\n%d completed, %d failed, %d canceled\n", stats.Completed, stats.Failed, stats.Canceled)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", stats.Failed, stats.Total)
	}
	return nil
}

func printResult(output string, warnings []string) {
	fmt.Printf("\n✓ Saved to: %s\n", output)
	for _, w := range warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
}

// stringList implements flag.Value for repeatable flags.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}
