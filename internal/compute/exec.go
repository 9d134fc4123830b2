package compute

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// maxLineSize bounds a single stdout line; base64 PNG frames at 1024px fit.
const maxLineSize = 64 << 20

// stderrTailSize is how much trailing stderr is kept for error messages.
const stderrTailSize = 2048

// Environment variables passed to the generator process.
const (
	EnvPrompt = "SDQUEUE_PROMPT"
	EnvSeed   = "SDQUEUE_SEED"
	EnvSteps  = "SDQUEUE_STEPS"
)

// Exec drives an external generator process. The process receives the prompt
// and seed through the environment and writes newline-delimited JSON to stdout:
//
//	{"step": 3, "image_base64": "..."}   intermediate output
//	{"final": "..."}                     the result
//	{"error": "..."}                     a failure reported by the generator
//
// Lines that are not JSON objects are logged and ignored.
type Exec struct {
	Command string
	Args    []string
	Steps   int
	Dir     string

	logger *slog.Logger
}

// NewExec creates an Exec backend.
func NewExec(command string, args []string, steps int) *Exec {
	return &Exec{
		Command: command,
		Args:    args,
		Steps:   steps,
		logger:  slog.With("component", "compute.exec", "command", command),
	}
}

// execLine is one stdout record from the generator.
type execLine struct {
	Step  *int   `json:"step,omitempty"`
	Image []byte `json:"image_base64,omitempty"`
	Final []byte `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// Run starts the process and streams its progress.
func (e *Exec) Run(ctx context.Context, input string, seed int64, onProgress ProgressFunc) ([]byte, error) {
	if e.Command == "" {
		return nil, errors.New("exec backend: no command configured")
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(),
		EnvPrompt+"="+input,
		EnvSeed+"="+strconv.FormatInt(seed, 10),
		EnvSteps+"="+strconv.Itoa(e.Steps),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Command, err)
	}

	var (
		final    []byte
		reported string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line execLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			e.logger.Debug("Ignoring non-JSON generator output", "line", truncate(raw, 200))
			continue
		}

		switch {
		case line.Error != "":
			reported = line.Error
		case line.Final != nil:
			final = line.Final
		case line.Step != nil:
			if onProgress != nil {
				onProgress(*line.Step, line.Image)
			}
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Close the read end so a still-writing process fails instead of blocking Wait.
		_ = stdout.Close()
	}

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case reported != "":
		return nil, fmt.Errorf("generator reported error: %s", reported)
	case waitErr != nil:
		return nil, fmt.Errorf("generator exited: %w%s", waitErr, stderr.suffix())
	case scanErr != nil:
		return nil, fmt.Errorf("read generator output: %w", scanErr)
	case len(final) == 0:
		return nil, fmt.Errorf("generator produced no final image%s", stderr.suffix())
	}
	return final, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
