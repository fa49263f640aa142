package transcoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

// FFmpegConfig holds configuration for the FFmpeg transcoder.
type FFmpegConfig struct {
	// FFmpegPath is the path to the ffmpeg binary.
	// If empty, "ffmpeg" will be used (assumes it's in PATH).
	FFmpegPath string

	// VideoCodec is the video codec to use.
	// Default: libx264
	VideoCodec string

	// VideoPreset controls the encoding speed/quality tradeoff.
	// Default: fast
	VideoPreset string

	// AudioCodec is the audio codec to use.
	// Default: aac
	AudioCodec string

	// HLSPlaylistType sets the playlist type.
	// Use "vod" for Video on Demand (adds EXT-X-ENDLIST tag).
	// Default: vod
	HLSPlaylistType string

	// MaxrateFactor caps the instantaneous bitrate at VideoBitrate*MaxrateFactor.
	// Default: 1.07
	MaxrateFactor float64

	// BufsizeFactor sets the VBV buffer to VideoBitrate*BufsizeFactor.
	// Default: 1.5
	BufsizeFactor float64
}

// DefaultFFmpegConfig returns an FFmpegConfig with production-ready defaults.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		FFmpegPath:      "ffmpeg",
		VideoCodec:      "libx264",
		VideoPreset:     "fast",
		AudioCodec:      "aac",
		HLSPlaylistType: "vod",
		MaxrateFactor:   1.07,
		BufsizeFactor:   1.5,
	}
}

// stderrTailBytes bounds how much encoder output is kept for error messages.
const stderrTailBytes = 2048

// FFmpegTranscoder implements Transcoder using FFmpeg CLI.
type FFmpegTranscoder struct {
	config FFmpegConfig
}

// Compile-time verification that FFmpegTranscoder implements Transcoder.
var _ Transcoder = (*FFmpegTranscoder)(nil)

// NewFFmpegTranscoder creates a new FFmpeg-based transcoder.
func NewFFmpegTranscoder(cfg FFmpegConfig) *FFmpegTranscoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &FFmpegTranscoder{
		config: cfg,
	}
}

// TranscodeRendition encodes one rendition with FFmpeg and validates the
// variant playlist it produced.
func (t *FFmpegTranscoder) TranscodeRendition(ctx context.Context, inputPath, outputDir string, spec model.RenditionSpec) (*RenditionOutput, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := t.validateInput(inputPath); err != nil {
		return nil, err
	}

	if err := t.validateOutputDir(outputDir); err != nil {
		return nil, err
	}

	playlistPath := filepath.Join(outputDir, spec.PlaylistName())
	segmentPattern := filepath.Join(outputDir, spec.SegmentPattern())

	args := t.buildRenditionArgs(inputPath, playlistPath, segmentPattern, spec)

	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcoding cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg execution failed for %s: %w: %s", spec.Name, err, strings.TrimSpace(stderr.String()))
	}

	segments, err := t.collectSegments(outputDir, spec)
	if err != nil {
		return nil, fmt.Errorf("collect segments: %w", err)
	}

	if err := verifyVariantPlaylist(playlistPath, segments); err != nil {
		return nil, fmt.Errorf("verify %s: %w", spec.PlaylistName(), err)
	}

	return &RenditionOutput{
		Spec:         spec,
		PlaylistPath: playlistPath,
		SegmentPaths: segments,
	}, nil
}

// validateInput checks if the input file exists and is readable.
func (t *FFmpegTranscoder) validateInput(inputPath string) error {
	info, err := os.Stat(inputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", inputPath)
		}
		return fmt.Errorf("failed to access input file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a file: %s", inputPath)
	}

	return nil
}

// validateOutputDir checks if the output directory exists.
func (t *FFmpegTranscoder) validateOutputDir(outputDir string) error {
	info, err := os.Stat(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output directory does not exist: %s", outputDir)
		}
		return fmt.Errorf("failed to access output directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("output path is not a directory: %s", outputDir)
	}

	return nil
}

// buildRenditionArgs constructs FFmpeg arguments for a rendition.
func (t *FFmpegTranscoder) buildRenditionArgs(inputPath, playlistPath, segmentPattern string, spec model.RenditionSpec) []string {
	// Letterbox into the exact ladder size so RESOLUTION in the master playlist holds.
	scaleFilter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		spec.Width, spec.Height, spec.Width, spec.Height,
	)

	// Keyframe on every segment boundary so segments cut at hls_time.
	keyframes := fmt.Sprintf("expr:gte(t,n_forced*%d)", spec.SegmentDurationSec)

	return []string{
		"-i", inputPath,
		"-vf", scaleFilter,
		"-c:v", t.config.VideoCodec,
		"-preset", t.config.VideoPreset,
		"-b:v", kbps(spec.VideoBitrateKbps),
		"-maxrate", kbps(scaleKbps(spec.VideoBitrateKbps, t.config.MaxrateFactor)),
		"-bufsize", kbps(scaleKbps(spec.VideoBitrateKbps, t.config.BufsizeFactor)),
		"-force_key_frames", keyframes,
		"-sc_threshold", "0",
		"-c:a", t.config.AudioCodec,
		"-b:a", kbps(spec.AudioBitrateKbps),
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", spec.SegmentDurationSec),
		"-hls_list_size", "0",
		"-hls_playlist_type", t.config.HLSPlaylistType,
		"-hls_segment_filename", segmentPattern,
		"-y",
		playlistPath,
	}
}

// collectSegments finds the .ts segments of one rendition in the output
// directory, sorted by name.
func (t *FFmpegTranscoder) collectSegments(outputDir string, spec model.RenditionSpec) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	prefix := spec.Name + "_"
	var segments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".ts") {
			segments = append(segments, filepath.Join(outputDir, name))
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments generated for %s", spec.Name)
	}

	sort.Strings(segments)
	return segments, nil
}

func kbps(v int) string {
	return fmt.Sprintf("%dk", v)
}

func scaleKbps(v int, factor float64) int {
	if factor <= 0 {
		return v
	}
	return int(float64(v) * factor)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
