package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"clinic-paging/pkg/metrics"

	"github.com/google/uuid"
)

// EdgeTTS runs the edge-tts Python module as a subprocess and writes one MP3
// per utterance into Dir.
type EdgeTTS struct {
	python    string
	voice     string
	dir       string
	urlPrefix string
	timeout   time.Duration

	// command builds the subprocess. Tests replace it.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

type EdgeTTSConfig struct {
	// Python interpreter with edge-tts installed. Defaults to "python".
	Python string
	// Voice defaults to pt-BR-AntonioNeural.
	Voice string
	// Dir receives the generated files. It is created if missing.
	Dir string
	// URLPrefix is prepended to file names in returned references. Defaults to "/audios".
	URLPrefix string
	// Timeout bounds one synthesis. Defaults to 30s.
	Timeout time.Duration
}

func NewEdgeTTS(cfg EdgeTTSConfig) (*EdgeTTS, error) {
	if cfg.Python == "" {
		cfg.Python = "python"
	}
	if cfg.Voice == "" {
		cfg.Voice = "pt-BR-AntonioNeural"
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("speech: audio dir is required")
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/audios"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("speech: create audio dir: %w", err)
	}
	return &EdgeTTS{
		python:    cfg.Python,
		voice:     cfg.Voice,
		dir:       cfg.Dir,
		urlPrefix: strings.TrimRight(cfg.URLPrefix, "/"),
		timeout:   cfg.Timeout,
		command:   exec.CommandContext,
	}, nil
}

func (e *EdgeTTS) Synthesize(ctx context.Context, text string) (ref string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(text) > MaxTextLength {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTextTooLong, len(text), MaxTextLength)
	}

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SynthesisDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	name := uuid.NewString() + ".mp3"
	out := filepath.Join(e.dir, name)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := e.command(ctx, e.python,
		"-m", "edge_tts",
		"--voice", e.voice,
		"--text", text,
		"--write-media", out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		if ctx.Err() != nil {
			return "", fmt.Errorf("edge-tts timeout after %s: %w", e.timeout, ctx.Err())
		}
		return "", fmt.Errorf("edge-tts failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(out)
	if err != nil {
		return "", fmt.Errorf("edge-tts produced no output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(out)
		return "", fmt.Errorf("edge-tts produced an empty file, stderr: %s", strings.TrimSpace(stderr.String()))
	}

	return path.Join(e.urlPrefix, name), nil
}
