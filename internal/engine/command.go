package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	stderrTail       = 2048
	defaultWaitDelay = 5 * time.Second
)

// CommandEngine runs an external quantizer per job. The process reports
// "progress <n>" lines on stdout and ends with one JSON line
// {"output_path": "...", "output_size_bytes": n}.
type CommandEngine struct {
	path      string
	args      []string
	env       []string
	waitDelay time.Duration
	logger    *slog.Logger
}

type Option func(*CommandEngine)

// WithEnv adds KEY=VALUE pairs to the process environment.
func WithEnv(kv ...string) Option {
	return func(e *CommandEngine) { e.env = append(e.env, kv...) }
}

// WithWaitDelay bounds how long Run waits for the process output to close
// once the process has exited or ctx is done. A grandchild that inherited
// stdout cannot hold Run open past it.
func WithWaitDelay(d time.Duration) Option {
	return func(e *CommandEngine) { e.waitDelay = d }
}

func NewCommandEngine(path string, args []string, logger *slog.Logger, opts ...Option) *CommandEngine {
	e := &CommandEngine{path: path, args: args, waitDelay: defaultWaitDelay, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

type commandResult struct {
	OutputPath      string `json:"output_path"`
	OutputSizeBytes int64  `json:"output_size_bytes"`
}

func (e *CommandEngine) Run(ctx context.Context, req Request) (Result, error) {
	args := append([]string{}, e.args...)
	args = append(args,
		"--job-id", req.JobID,
		"--input", req.InputPath,
		"--output-dir", req.OutputDir,
		"--method", req.Method,
		"--output-format", req.OutputFormat,
		"--backend", string(req.Params.Backend),
		"--bits", strconv.Itoa(req.Params.Bits),
	)
	if req.Params.GroupSize > 0 {
		args = append(args, "--group-size", strconv.Itoa(req.Params.GroupSize))
	}
	if req.Params.UseCalibration {
		args = append(args, "--calibration")
	}

	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Env = append(os.Environ(), e.env...)
	cmd.WaitDelay = e.waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return Result{}, &Error{Method: req.Method, Msg: "start", Err: err}
	}

	var res commandResult
	var sawResult bool
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			switch {
			case strings.HasPrefix(line, "progress "):
				pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "progress ")))
				if err == nil && req.Progress != nil {
					req.Progress(min(max(pct, 0), 100))
				}
			case strings.HasPrefix(line, "{"):
				if err := json.Unmarshal([]byte(line), &res); err != nil {
					e.logger.WarnContext(ctx, "unparseable engine output", "error", err, "job_id", req.JobID)
					continue
				}
				sawResult = true
			default:
				e.logger.DebugContext(ctx, "engine output", "line", line, "job_id", req.JobID)
			}
		}
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanned

	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			e.logger.WarnContext(ctx, "engine output held open after exit", "job_id", req.JobID)
		} else {
			return Result{}, &Error{Method: req.Method, Msg: "process failed: " + tail(stderr.String()), Err: err}
		}
	}
	if !sawResult || res.OutputPath == "" {
		return Result{}, &Error{Method: req.Method, Msg: "no result reported"}
	}
	if res.OutputSizeBytes <= 0 {
		info, err := os.Stat(res.OutputPath)
		if err != nil {
			return Result{}, &Error{Method: req.Method, Msg: "stat output", Err: err}
		}
		res.OutputSizeBytes = info.Size()
	}
	return Result{OutputPath: res.OutputPath, OutputSizeBytes: res.OutputSizeBytes}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	if s == "" {
		return "no stderr"
	}
	return s
}

// IsEngineError reports whether err came from the engine rather than a
// deadline or cancellation.
func IsEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

var _ Engine = (*CommandEngine)(nil)
