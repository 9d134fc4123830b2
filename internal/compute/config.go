package compute

import (
	"fmt"
	"sdqueue/internal/config"
	"strings"
	"time"
)

const (
	defaultSteps     = 25
	defaultImageSize = 64
)

// Backend names accepted by COMPUTE_BACKEND.
const (
	BackendPreview = "preview"
	BackendExec    = "exec"
)

// Config selects and tunes the computation backend.
type Config struct {
	Backend   string
	Steps     int
	ImageSize int           // preview only
	StepDelay time.Duration // preview only
	Command   string        // exec only
	Args      []string      // exec only
	Dir       string        // exec only
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	var args []string
	if raw := config.GetEnv("COMPUTE_ARGS", ""); raw != "" {
		args = strings.Fields(raw)
	}
	cfg := Config{
		Backend:   config.GetEnv("COMPUTE_BACKEND", BackendPreview),
		Steps:     config.GetIntEnv("COMPUTE_STEPS", defaultSteps),
		ImageSize: config.GetIntEnv("COMPUTE_IMAGE_SIZE", defaultImageSize),
		StepDelay: config.GetDurationEnv("COMPUTE_STEP_DELAY", 0),
		Command:   config.GetEnv("COMPUTE_COMMAND", ""),
		Args:      args,
		Dir:       config.GetEnv("COMPUTE_DIR", ""),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendPreview
	}
	if c.Steps <= 0 {
		c.Steps = defaultSteps
	}
	if c.ImageSize <= 0 {
		c.ImageSize = defaultImageSize
	}
	return c
}

// New builds the configured backend. Panic recovery is left to the caller
// running it (see Guard).
func New(cfg Config) (Computation, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Backend) {
	case BackendPreview:
		return NewPreview(cfg.Steps, cfg.ImageSize, cfg.StepDelay), nil
	case BackendExec:
		if cfg.Command == "" {
			return nil, fmt.Errorf("COMPUTE_COMMAND is required for the %q backend", BackendExec)
		}
		e := NewExec(cfg.Command, cfg.Args, cfg.Steps)
		e.Dir = cfg.Dir
		return e, nil
	default:
		return nil, fmt.Errorf("unknown compute backend %q", cfg.Backend)
	}
}
