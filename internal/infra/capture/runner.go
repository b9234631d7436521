package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	urlPlaceholder = "{url}"
	outPlaceholder = "{out}"

	defaultTimeout = 30 * time.Second
)

var (
	// ErrDisabled is returned when no capture command is configured.
	ErrDisabled = errors.New("capture disabled")
	// ErrTimeout is returned when the capture command outlived its deadline.
	ErrTimeout = errors.New("capture timed out")
)

// BreakerConfig tunes the circuit breaker around the capture command.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// RunnerConfig describes the external capture tool.
type RunnerConfig struct {
	Command   []string
	OutputDir string
	Timeout   time.Duration
	Breaker   BreakerConfig
}

// Runner executes the capture command for a job and optionally uploads the result.
type Runner struct {
	cfg     RunnerConfig
	breaker *gobreaker.CircuitBreaker
	store   ObjectStorage
	logger  *slog.Logger
}

// NewRunner constructs a runner. store may be nil.
func NewRunner(cfg RunnerConfig, store ObjectStorage, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	logger = logger.With("component", "capture.runner")
	failures := cfg.Breaker.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "capture",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("capture breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return &Runner{cfg: cfg, breaker: breaker, store: store, logger: logger}
}

// Run is the queue handler. Every failure is logged and swallowed.
func (r *Runner) Run(ctx context.Context, job Job) {
	start := time.Now()
	out, err := r.Capture(ctx, job)
	switch {
	case errors.Is(err, ErrDisabled):
		r.logger.Info("capture disabled", "station_url", job.StationURL)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.logger.Warn("capture skipped", "station_url", job.StationURL, "error", err)
	case err != nil:
		r.logger.Warn("capture failed", "job_id", job.ID.String(), "station_url", job.StationURL, "error", err)
	default:
		r.logger.Info("capture finished",
			"job_id", job.ID.String(),
			"station_url", job.StationURL,
			"output", out,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Capture runs the command for one job and returns the produced file path.
func (r *Runner) Capture(ctx context.Context, job Job) (string, error) {
	if len(r.cfg.Command) == 0 {
		return "", ErrDisabled
	}
	host, err := stationHost(job.StationURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	out := filepath.Join(r.cfg.OutputDir, host+".png")
	args := expandArgs(r.cfg.Command, job.StationURL, out)

	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.exec(ctx, args)
	})
	if err != nil {
		return "", err
	}
	r.upload(ctx, host, out)
	return out, nil
}

func (r *Runner) exec(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	isolateProcessGroup(cmd)
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w: %s", filepath.Base(args[0]), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *Runner) upload(ctx context.Context, host, path string) {
	if r.store == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("screenshot missing after capture", "path", path, "error", err)
		return
	}
	if _, err := r.store.Put(ctx, "screenshots/"+host+".png", data, "image/png"); err != nil {
		r.logger.Warn("screenshot upload failed", "host", host, "error", err)
	}
}

func expandArgs(command []string, stationURL, out string) []string {
	replacer := strings.NewReplacer(urlPlaceholder, stationURL, outPlaceholder, out)
	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = replacer.Replace(arg)
	}
	return args
}

// stationHost returns a filesystem-safe name for the station's host.
func stationHost(stationURL string) (string, error) {
	u, err := url.Parse(stationURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("station url %q has no host", stationURL)
	}
	host := strings.ToLower(u.Host)
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(host), nil
}
