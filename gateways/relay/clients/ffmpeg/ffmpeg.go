package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/xilidan/relay/services/relay/entity"
)

type Config struct {
	Path       string
	SampleRate int
	Channels   int
	Bitrate    string
}

// Transcoder converts raw s16le PCM into MP3 with an external ffmpeg process.
type Transcoder struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Transcoder {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	log.Debug("creating ffmpeg transcoder",
		slog.String("path", cfg.Path),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
		slog.String("bitrate", cfg.Bitrate))
	return &Transcoder{cfg: cfg, log: log}
}

func (t *Transcoder) Args(input, output string) []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(t.cfg.SampleRate),
		"-ac", strconv.Itoa(t.cfg.Channels),
		"-i", input,
		"-codec:a", "libmp3lame",
		"-b:a", t.cfg.Bitrate,
		output,
		"-y",
	}
}

// Transcode succeeds only when ffmpeg exits cleanly and output exists.
func (t *Transcoder) Transcode(ctx context.Context, input, output string) error {
	if _, err := os.Stat(input); err != nil {
		t.log.Error("raw file not found", slog.String("path", input))
		return fmt.Errorf("%w: raw file not found: %w", entity.ErrTranscodeFailed, err)
	}

	t.log.Info("converting raw audio", slog.String("input", input), slog.String("output", output))
	cmd := exec.CommandContext(ctx, t.cfg.Path, t.Args(input, output)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", entity.ErrTranscodeFailed, ctxErr)
		}
		return fmt.Errorf("%w: ffmpeg: %w\nStderr: %s", entity.ErrTranscodeFailed, err, stderr.String())
	}
	if stderr.Len() > 0 {
		t.log.Debug("ffmpeg stderr", slog.String("stderr", stderr.String()))
	}

	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%w: output file was not created", entity.ErrTranscodeFailed)
	}
	t.log.Info("successfully converted audio", slog.String("output", output))
	return nil
}
