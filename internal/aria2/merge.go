package aria2

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

// FFmpeg constants for the mux step
const (
	FFmpegCommand = "ffmpeg"
	StreamCopy    = "copy"
	FastStartFlag = "+faststart"
)

// Merge muxes a separately downloaded video and audio stream into one
// output file by delegating to ffmpeg with stream copy. No re-encoding
// happens; the streams are copied as is.
func Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("video stream missing: %w", err)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio stream missing: %w", err)
	}
	if err := platform.EnsureDir(filepath.Dir(outputPath)); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, FFmpegCommand, BuildMergeArgs(videoPath, audioPath, outputPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Remove partial output file
		os.Remove(outputPath)
		return fmt.Errorf("ffmpeg merge failed: %w: %s", err, tail(string(out), 512))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrFileVerification, outputPath)
	}
	return nil
}

// BuildMergeArgs builds the ffmpeg mux arguments
func BuildMergeArgs(videoPath, audioPath, outputPath string) []string {
	return []string{
		"-y",            // Overwrite output file
		"-i", videoPath, // Video input
		"-i", audioPath, // Audio input
		"-c", StreamCopy, // Copy both streams without re-encoding
		"-movflags", FastStartFlag, // MP4 optimization
		"-loglevel", "error",
		outputPath,
	}
}

// tail returns at most n trailing bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
