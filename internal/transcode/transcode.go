// Package transcode normalizes uploaded audio into a container the upstream
// STT service accepts. Conversion is delegated to ffmpeg with the audio
// codec copied as-is.
package transcode

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/stt"
)

// Container describes a file format the upstream can decode directly.
type Container struct {
	Ext        string
	Encoding   string
	SampleRate int
}

var nativeContainers = map[string]Container{
	".wav":  {Ext: ".wav", Encoding: stt.EncodingLinear16, SampleRate: 16000},
	".flac": {Ext: ".flac", Encoding: stt.EncodingFLAC, SampleRate: 16000},
	".ogg":  {Ext: ".ogg", Encoding: stt.EncodingOggOpus, SampleRate: 48000},
}

// SupportedFormats lists audio formats that can be uploaded. Non-native
// formats are copied into Ogg, which cannot hold MP3 or AAC streams.
var SupportedFormats = []string{".ogg", ".flac", ".wav", ".webm", ".opus"}

// IsSupportedFormat checks if the file extension is a supported audio format
func IsSupportedFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range SupportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ExtensionFor picks the file extension for an upload, falling back to the
// content type when the filename has none.
func ExtensionFor(filename, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return ext
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "audio/wav", "audio/x-wav", "audio/wave":
			return ".wav"
		case "audio/webm", "video/webm":
			return ".webm"
		case "audio/ogg":
			return ".ogg"
		case "audio/flac", "audio/x-flac":
			return ".flac"
		case "audio/mpeg":
			return ".mp3"
		case "audio/mp4", "audio/x-m4a":
			return ".m4a"
		}
	}
	return ".wav"
}

// Native returns the container for path when the upstream accepts it as is.
func Native(path string) (Container, bool) {
	c, ok := nativeContainers[strings.ToLower(filepath.Ext(path))]
	return c, ok
}

// Remuxer rewrites in into out with the audio stream copied.
type Remuxer interface {
	Remux(ctx context.Context, in, out string) error
}

// Normalized is the file to transcribe and how to describe it upstream.
type Normalized struct {
	Path      string
	Container Container
	// Temporary is set when Path is a generated sibling the caller removes.
	Temporary bool
}

// Normalizer decides by extension whether a file needs remuxing.
type Normalizer struct {
	remuxer Remuxer
	target  Container
	logger  zerolog.Logger
}

// NewNormalizer creates a normalizer remuxing into targetExt. An unknown
// target falls back to Ogg.
func NewNormalizer(r Remuxer, targetExt string, logger zerolog.Logger) *Normalizer {
	target, ok := nativeContainers[strings.ToLower(targetExt)]
	if !ok {
		target = nativeContainers[".ogg"]
	}
	return &Normalizer{remuxer: r, target: target, logger: logger}
}

// Normalize returns path unchanged when its container is native, otherwise
// remuxes it into a sibling file in the target container. WAV files report
// the sample rate from their header, or 16000 when it cannot be read.
func (n *Normalizer) Normalize(ctx context.Context, path string) (Normalized, error) {
	if c, ok := Native(path); ok {
		if c.Encoding == stt.EncodingLinear16 {
			c.SampleRate = n.wavSampleRate(path, c.SampleRate)
		}
		return Normalized{Path: path, Container: c}, nil
	}

	out := SiblingPath(path, n.target.Ext)
	n.logger.Info().Str("input", path).Str("output", out).Msg("remuxing audio")
	if err := n.remuxer.Remux(ctx, path, out); err != nil {
		os.Remove(out)
		return Normalized{}, err
	}
	return Normalized{Path: out, Container: n.target, Temporary: true}, nil
}

func (n *Normalizer) wavSampleRate(path string, fallback int) int {
	info, err := ProbeWAV(path)
	if err != nil || info.SampleRate <= 0 {
		n.logger.Debug().Err(err).Str("path", path).Int("sample_rate", fallback).Msg("wav header unreadable, using default rate")
		return fallback
	}
	return info.SampleRate
}

// SiblingPath returns the normalized file name next to path.
func SiblingPath(path, ext string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return base + ".normalized" + ext
}

// FFmpeg remuxes with an ffmpeg binary.
type FFmpeg struct {
	bin string
}

// NewFFmpeg creates a remuxer using bin, or "ffmpeg" from PATH when empty.
func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin}
}

// RemuxArgs returns the ffmpeg arguments for a codec-copy remux.
// -vn drops video/cover-art streams, -c:a copy keeps the audio untouched.
func RemuxArgs(in, out string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", in,
		"-vn",
		"-c:a", "copy",
		out,
	}
}

// Remux runs ffmpeg. Any failure is a transcode failure.
func (f *FFmpeg) Remux(ctx context.Context, in, out string) error {
	const op = "transcode.remux"

	if _, err := exec.LookPath(f.bin); err != nil {
		return apperr.Errorf(apperr.KindTranscode, op, "ffmpeg not found: please install ffmpeg to convert audio files")
	}
	if _, err := os.Stat(in); err != nil {
		return apperr.Errorf(apperr.KindTranscode, op, "input file not found: %s", in)
	}

	cmd := exec.CommandContext(ctx, f.bin, RemuxArgs(in, out)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.E(apperr.KindTranscode, op,
			fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, strings.TrimSpace(string(output))))
	}
	return nil
}
