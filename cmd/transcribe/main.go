package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"voicememo/internal/config"
	"voicememo/internal/logger"
	"voicememo/internal/metrics"
	"voicememo/internal/stt"
	"voicememo/internal/summarize"
	"voicememo/internal/transcode"
	"voicememo/internal/version"
)

type options struct {
	configPath string
	outputFile string
	format     string
	chunkSize  int
	summarize  bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file with the upstream streaming STT service",
		Long: "Streams an audio file to the upstream STT service and prints the final transcript.\n" +
			"Files in other containers than WAV, FLAC and OGG are remuxed with ffmpeg first.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Version:      version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}
	cmd.SetVersionTemplate(version.Full() + "\n")

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	f.StringVarP(&opts.outputFile, "output", "o", "", "Output file (default: stdout)")
	f.StringVar(&opts.format, "format", "text", "Output format: text or json")
	f.IntVar(&opts.chunkSize, "chunk-size", 0, "Bytes per audio frame (default from config)")
	f.BoolVar(&opts.summarize, "summarize", false, "Append a lecture report generated from the transcript")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")

	return cmd
}

func run(cmd *cobra.Command, path string, opts *options) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("invalid format %q: must be text or json", opts.format)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	if !transcode.IsSupportedFormat(path) {
		return fmt.Errorf("unsupported audio format %q: use one of %v", filepath.Ext(path), transcode.SupportedFormats)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	if opts.verbose {
		logCfg.Level = "debug"
	}
	log := logger.NewWithWriter(logCfg, cmd.ErrOrStderr())

	chunkSize := cfg.Pipeline.ChunkSize
	if opts.chunkSize > 0 {
		chunkSize = opts.chunkSize
	}

	ctx := cmd.Context()
	tokens := stt.NewTokenCache(cfg.ReturnZero, metrics.NewNop(), logger.Component(log, "token"))
	client := stt.NewClient(cfg.ReturnZero, tokens, logger.Component(log, "stt"))

	normalizer := transcode.NewNormalizer(transcode.NewFFmpeg(cfg.Pipeline.FFmpegPath),
		cfg.Pipeline.PreferredContainer, logger.Component(log, "transcode"))
	norm, err := normalizer.Normalize(ctx, path)
	if err != nil {
		return err
	}
	if norm.Temporary {
		defer os.Remove(norm.Path)
	}

	results, err := stt.NewBatchTranscriber(client, logger.Component(log, "batch")).
		Transcribe(ctx, norm.Path, chunkSize, norm.Container.SampleRate, norm.Container.Encoding)
	if err != nil {
		return err
	}
	transcript := stt.FinalTranscript(results)

	var summary string
	if opts.summarize {
		summary, err = summarize.New(cfg.Summarizer, logger.Component(log, "summarize")).Summarize(ctx, transcript)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return write(out, opts.format, results, transcript, summary)
}

func write(w io.Writer, format string, results []stt.Result, transcript, summary string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Results    []stt.Result `json:"results"`
			Transcript string       `json:"transcript"`
			Summary    string       `json:"summary,omitempty"`
		}{results, transcript, summary})
	}

	if _, err := fmt.Fprintln(w, transcript); err != nil {
		return err
	}
	if summary != "" {
		_, err := fmt.Fprintf(w, "\n%s\n", summary)
		return err
	}
	return nil
}
