package primitive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/keelworks/keel/pkg/fault"
)

const defaultProcessTimeout = 60 * time.Second

// ProcessRequest describes a single subprocess invocation.
type ProcessRequest struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
}

// ProcessResult carries both output streams in full, even when the process
// exited non-zero. A non-zero exit is a result, not an error.
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ProcessExecutor spawns subprocesses with a forced-termination timeout.
type ProcessExecutor struct {
	defaultTimeout time.Duration
	maxOutputBytes int64
}

type ProcessOption func(*ProcessExecutor)

func WithProcessTimeout(d time.Duration) ProcessOption {
	return func(p *ProcessExecutor) { p.defaultTimeout = d }
}

// WithMaxOutputBytes caps each captured stream. Zero means unlimited.
func WithMaxOutputBytes(n int64) ProcessOption {
	return func(p *ProcessExecutor) { p.maxOutputBytes = n }
}

func NewProcessExecutor(opts ...ProcessOption) *ProcessExecutor {
	p := &ProcessExecutor{defaultTimeout: defaultProcessTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProcessExecutor) ID() string { return "subprocess" }

// Spawn runs the command and waits for it to exit. The timeout is enforced
// by killing the process; partial output captured before the kill is
// preserved on the returned error's cause where possible.
func (p *ProcessExecutor) Spawn(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.Command == "" {
		return nil, fault.New(fault.CodeConfigInvalid, "process: empty command")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = flattenEnv(req.Env)
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = newCappedWriter(&stdout, p.maxOutputBytes)
	cmd.Stderr = newCappedWriter(&stderr, p.maxOutputBytes)

	// Give the process a short grace period after the kill signal before
	// Wait gives up on its pipes.
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fault.New(fault.CodeTimeout, "process %q killed after %v", req.Command, timeout)
	}
	if ctx.Err() != nil {
		return nil, fault.New(fault.CodeTimeout, "process %q canceled", req.Command).WithCause(ctx.Err())
	}

	result := &ProcessResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				return nil, fault.New(fault.CodeSignal, "process %q terminated by signal %s", req.Command, ws.Signal()).WithCause(err)
			}
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fault.New(fault.CodeNotFound, "process %q failed to start", req.Command).WithCause(err)
	}
	return result, nil
}

func (p *ProcessExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	req := ProcessRequest{Timeout: call.Timeout}
	if v, ok := call.Params["command"].(string); ok {
		req.Command = v
	}
	if args, ok := call.Params["args"].([]any); ok {
		for _, a := range args {
			req.Args = append(req.Args, fmt.Sprint(a))
		}
	}
	if env, ok := call.Params["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			req.Env[k] = fmt.Sprint(v)
		}
	}
	if v, ok := call.Params["stdin"].(string); ok {
		req.Stdin = []byte(v)
	}

	res, err := p.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}}, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		// Empty, not nil: the child inherits nothing unless asked.
		return []string{}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// cappedWriter discards bytes past the cap rather than failing the process.
type cappedWriter struct {
	buf *bytes.Buffer
	max int64
}

func newCappedWriter(buf *bytes.Buffer, max int64) *cappedWriter {
	return &cappedWriter{buf: buf, max: max}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.max <= 0 {
		return w.buf.Write(p)
	}
	remain := w.max - int64(w.buf.Len())
	if remain <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remain {
		_, err := w.buf.Write(p[:remain])
		return len(p), err
	}
	return w.buf.Write(p)
}
