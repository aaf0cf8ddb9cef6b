// Package composer muxes the generated video, voiceover, and optional
// ambient/music streams into a final MP4 plus thumbnail by shelling out
// to ffmpeg, staging everything in a per-request scratch directory that
// the caller releases via Cleanup.
package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/config"
)

// Inputs bundles the streams handed to Compose. AmbientStream and
// MusicStream are nil when the request did not specify an ambient sound
// or music track.
type Inputs struct {
	VideoStream     io.Reader
	VoiceoverStream io.Reader
	AmbientStream   io.Reader
	MusicStream     io.Reader
}

// Result is the composer's output: final render, thumbnail, measured
// duration, and a Cleanup that must be called unconditionally.
type Result struct {
	VideoPath       string
	ThumbnailPath   string
	DurationSeconds int
	Cleanup         func()
}

// Audio mix gains: voiceover is the dominant track, ambient and music
// sit underneath it.
const (
	voiceoverGain = 1.0
	ambientGain   = 0.3
	musicGain     = 0.2
)

// Composer wraps the ffmpeg/ffprobe binaries configured for this process.
type Composer struct {
	cfg config.ComposerConfig
}

// New creates a Composer from the process's ffmpeg settings.
func New(cfg config.ComposerConfig) *Composer {
	return &Composer{cfg: cfg}
}

// Compose materializes the input streams into a scratch directory, mixes
// the audio tracks present, muxes the result onto the generated video,
// extracts a thumbnail, and returns paths ready for upload.
func (c *Composer) Compose(ctx context.Context, requestID string, in Inputs) (*Result, error) {
	scratch := filepath.Join(c.cfg.ScratchDir, requestID+"-"+uuid.New().String())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to create scratch dir: %w", err))
	}
	cleanup := func() { os.RemoveAll(scratch) }

	videoPath := filepath.Join(scratch, "video.mp4")
	voiceoverPath := filepath.Join(scratch, "voiceover.mp3")
	outputPath := filepath.Join(scratch, "final.mp4")
	thumbnailPath := filepath.Join(scratch, "thumbnail.jpg")

	if err := writeStream(videoPath, in.VideoStream); err != nil {
		cleanup()
		return nil, apperr.Internal(fmt.Errorf("failed to stage video: %w", err))
	}
	if err := writeStream(voiceoverPath, in.VoiceoverStream); err != nil {
		cleanup()
		return nil, apperr.Internal(fmt.Errorf("failed to stage voiceover: %w", err))
	}

	var ambientPath, musicPath string
	if in.AmbientStream != nil {
		ambientPath = filepath.Join(scratch, "ambient.mp3")
		if err := writeStream(ambientPath, in.AmbientStream); err != nil {
			cleanup()
			return nil, apperr.Internal(fmt.Errorf("failed to stage ambient track: %w", err))
		}
	}
	if in.MusicStream != nil {
		musicPath = filepath.Join(scratch, "music.mp3")
		if err := writeStream(musicPath, in.MusicStream); err != nil {
			cleanup()
			return nil, apperr.Internal(fmt.Errorf("failed to stage music track: %w", err))
		}
	}

	if err := c.mux(ctx, videoPath, voiceoverPath, ambientPath, musicPath, outputPath); err != nil {
		cleanup()
		return nil, err
	}

	if err := c.extractThumbnail(ctx, outputPath, thumbnailPath); err != nil {
		cleanup()
		return nil, err
	}

	duration, err := c.probeDuration(ctx, outputPath)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Result{
		VideoPath:       outputPath,
		ThumbnailPath:   thumbnailPath,
		DurationSeconds: duration,
		Cleanup:         cleanup,
	}, nil
}

func writeStream(path string, r io.Reader) error {
	if r == nil {
		return fmt.Errorf("stream for %s is required", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// mux builds the ffmpeg invocation mixing whichever audio tracks are
// present with their fixed gains, then encodes the result with the
// configured CRF/bitrate.
func (c *Composer) mux(ctx context.Context, videoPath, voiceoverPath, ambientPath, musicPath, outputPath string) error {
	args := []string{"-y", "-i", videoPath, "-i", voiceoverPath}
	inputCount := 2
	filterInputs := []string{fmt.Sprintf("[1:a]volume=%.1f[a1]", voiceoverGain)}
	mixLabels := []string{"[a1]"}

	if ambientPath != "" {
		args = append(args, "-i", ambientPath)
		label := fmt.Sprintf("[%d:a]volume=%.1f[a%d]", inputCount, ambientGain, inputCount)
		filterInputs = append(filterInputs, label)
		mixLabels = append(mixLabels, fmt.Sprintf("[a%d]", inputCount))
		inputCount++
	}
	if musicPath != "" {
		args = append(args, "-i", musicPath)
		label := fmt.Sprintf("[%d:a]volume=%.1f[a%d]", inputCount, musicGain, inputCount)
		filterInputs = append(filterInputs, label)
		mixLabels = append(mixLabels, fmt.Sprintf("[a%d]", inputCount))
		inputCount++
	}

	mixFilter := fmt.Sprintf("%samix=inputs=%d:duration=first[aout]",
		joinFilters(mixLabels), len(mixLabels))
	filterGraph := joinFilters(filterInputs) + mixFilter

	args = append(args,
		"-filter_complex", filterGraph,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-crf", strconv.Itoa(c.cfg.VideoCRF),
		"-c:a", "aac",
		"-b:a", c.cfg.AudioBitrate,
		"-shortest",
		outputPath,
	)

	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apperr.Internal(fmt.Errorf("ffmpeg mux failed: %w, stderr: %s", err, stderr.String()))
	}
	return nil
}

func joinFilters(parts []string) string {
	out := ""
	for _, p := range parts {
		out += p + ";"
	}
	return out
}

// extractThumbnail grabs a single frame at the configured timestamp,
// scaled to the configured dimensions.
func (c *Composer) extractThumbnail(ctx context.Context, videoPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-ss", fmt.Sprintf("%.2f", c.cfg.ThumbnailAtSec),
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", c.cfg.ThumbnailWidth, c.cfg.ThumbnailHeight),
		"-q:v", "2",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apperr.Internal(fmt.Errorf("failed to extract thumbnail: %w, stderr: %s", err, stderr.String()))
	}
	return nil
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Format probeFormat `json:"format"`
}

// probeDuration reads the muxed output's duration via ffprobe.
func (c *Composer) probeDuration(ctx context.Context, path string) (int, error) {
	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", path}
	cmd := exec.CommandContext(ctx, c.cfg.FFprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, apperr.Internal(fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String()))
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, apperr.Internal(fmt.Errorf("failed to parse ffprobe output: %w", err))
	}

	var durationFloat float64
	fmt.Sscanf(out.Format.Duration, "%f", &durationFloat)
	return int(durationFloat + 0.5), nil
}
