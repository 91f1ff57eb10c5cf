// Package coderun executes accepted tool calls with local interpreters.
package coderun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
)

const (
	readChunk     = 4096
	waitDelay     = 2 * time.Second
	truncatedNote = "\n[output truncated]\n"
)

// Language names accepted by Run.
const (
	Python      = "python"
	Shell       = "shell"
	AppleScript = "applescript"
)

// LocalRunner runs code as a child process. Standard output and standard
// error are merged and streamed in the order the child writes them.
type LocalRunner struct {
	cfg    config.CodeRunConfig
	logger *slog.Logger
}

var _ domain.CodeRunner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner for the interpreters configured in cfg.
func NewLocalRunner(cfg config.CodeRunConfig, logger *slog.Logger) *LocalRunner {
	return &LocalRunner{cfg: cfg, logger: logger}
}

// Languages returns the languages that have an interpreter configured.
func (r *LocalRunner) Languages() []string {
	var out []string
	for _, lang := range []string{Python, Shell, AppleScript} {
		if _, _, ok := r.command(lang, ""); ok {
			out = append(out, lang)
		}
	}
	return out
}

func (r *LocalRunner) command(language, code string) (string, []string, bool) {
	switch language {
	case Python:
		return r.cfg.Python, []string{"-u", "-c", code}, r.cfg.Python != ""
	case Shell:
		return r.cfg.Shell, []string{"-c", code}, r.cfg.Shell != ""
	case AppleScript:
		return r.cfg.AppleScript, []string{"-e", code}, r.cfg.AppleScript != ""
	}
	return "", nil, false
}

// Run executes code and calls onOutput with each output chunk, from the
// calling goroutine. A non-zero exit is reported through ExitCode; a
// timeout returns the output so far together with a timeout error.
func (r *LocalRunner) Run(ctx context.Context, language, code string, onOutput func(chunk string)) (*domain.CodeResult, error) {
	const op = "LocalRunner.Run"

	name, args, ok := r.command(language, code)
	if !ok {
		return nil, domain.NewSubSystemError("coderun", op, domain.ErrInvalidInput, fmt.Sprintf("language %q is not supported", language))
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.WaitDelay = waitDelay
	if r.cfg.WorkDir != "" {
		if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
			return nil, domain.NewSubSystemError("coderun", op, domain.ErrProviderError, err.Error())
		}
		cmd.Dir = r.cfg.WorkDir
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, domain.NewSubSystemError("coderun", op, domain.ErrProviderError, err.Error())
	}
	r.logger.Debug("code started", "language", language, "pid", cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	out := newLimiter(r.cfg.MaxOutputBytes, onOutput)
	buf := make([]byte, readChunk)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			out.write(string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	err := <-waitErr

	res := &domain.CodeResult{Output: out.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, domain.NewSubSystemError("coderun", op, domain.ErrTimeout, fmt.Sprintf("%s code ran longer than %s", language, r.cfg.Timeout))
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, domain.NewSubSystemError("coderun", op, domain.ErrProviderError, err.Error())
	}
	r.logger.Debug("code finished", "language", language, "exit_code", res.ExitCode, "output_bytes", len(res.Output))
	return res, nil
}
