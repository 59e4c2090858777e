// Package process runs the handler child process.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Options control how the handler process is started.
type Options struct {
	// CaptureOutput pipes stdout and stderr into the logger line by line
	// instead of using the command's own streams.
	CaptureOutput bool
}

// Handle is a started handler process. Dropping a Handle does not stop the
// process; call Stop or Kill.
type Handle struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	relay  *errgroup.Group

	done    chan struct{}
	waitErr error

	mu       sync.Mutex
	exitCode int
}

// Start starts cmd. When cmd has no streams configured and output is not
// captured, the child inherits the proxy's stdout and stderr.
func Start(cmd *exec.Cmd, opts Options, logger *slog.Logger) (*Handle, error) {
	h := &Handle{
		cmd:      cmd,
		logger:   logger.With("component", "handler_process", "path", cmd.Path),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var stdout, stderr io.ReadCloser
	if opts.CaptureOutput {
		var err error
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			_ = stdout.Close()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	} else {
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	h.logger = h.logger.With("pid", cmd.Process.Pid)
	var args []string
	if len(cmd.Args) > 1 {
		args = cmd.Args[1:]
	}
	h.logger.Info("handler process started", "args", args)

	h.relay = &errgroup.Group{}
	if opts.CaptureOutput {
		h.relay.Go(func() error { return h.relayLines(stdout, "stdout", slog.LevelInfo) })
		h.relay.Go(func() error { return h.relayLines(stderr, "stderr", slog.LevelWarn) })
	}

	go h.wait()
	return h, nil
}

// maxLogLine is the longest record relayLines emits; longer lines are split
// into several records marked partial.
const maxLogLine = 64 * 1024

// relayLines logs each line read from r until EOF. The pipe is always read to
// the end so the child never blocks on a full pipe.
func (h *Handle) relayLines(r io.Reader, stream string, level slog.Level) error {
	br := bufio.NewReaderSize(r, maxLogLine)
	for {
		line, partial, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("relay %s: %w", stream, err)
		}
		attrs := []any{"stream", stream}
		if partial {
			attrs = append(attrs, "partial", true)
		}
		h.logger.Log(context.Background(), level, string(line), attrs...)
	}
}

// wait reaps the process once its output has been drained.
func (h *Handle) wait() {
	// Pipes must be read to EOF before cmd.Wait closes them.
	if err := h.relay.Wait(); err != nil {
		h.logger.Warn("handler output relay failed", "err", err)
	}
	err := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("handler process exited", "exit_code", code, "err", err)
	} else {
		h.logger.Info("handler process exited", "exit_code", code)
	}
	h.waitErr = err
	close(h.done)
}

// Pid returns the process ID of the handler.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns the error from exec.Cmd.Wait.
// It may be called from any number of goroutines.
func (h *Handle) Wait() error {
	<-h.done
	return h.waitErr
}

// Running reports whether the process has not exited yet.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Signal sends sig to the process. Signalling an exited process is not an error.
func (h *Handle) Signal(sig os.Signal) error {
	if !h.Running() {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	return nil
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	return h.Signal(os.Kill)
}

// Stop asks the process to exit with SIGTERM and kills it if it is still
// running when ctx is done. It returns once the process has been reaped.
func (h *Handle) Stop(ctx context.Context) error {
	if !h.Running() {
		return nil
	}
	h.logger.Info("stopping handler process")
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}

	h.logger.Warn("handler process did not exit in time; killing")
	if err := h.Kill(); err != nil {
		return err
	}
	<-h.done
	return nil
}
