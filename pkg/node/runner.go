package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
)

var (
	// ErrRequeue asks the driver to send the whole bundle again, to this or
	// another node, without counting it as a failure
	ErrRequeue = errors.New("bundle requeued")

	// ErrNodeFailure reports that the node cannot run the bundle at all; the
	// driver retries its tasks elsewhere
	ErrNodeFailure = errors.New("node failure")

	// ErrTaskTimeout is the exception of a task that outlived its timeout.
	// It is a task result like any other and is never retried.
	ErrTaskTimeout = errors.New("task timed out")
)

// Runner executes one task. A returned error becomes the task's exception,
// unless it wraps ErrRequeue or ErrNodeFailure which apply to the whole
// bundle.
type Runner interface {
	Run(ctx context.Context, payload, dataProvider []byte) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, payload, dataProvider []byte) ([]byte, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, payload, dataProvider []byte) ([]byte, error) {
	return f(ctx, payload, dataProvider)
}

// EchoRunner returns each payload, prefixed, after an optional delay
type EchoRunner struct {
	Prefix string
	Delay  time.Duration
}

// Run echoes the payload
func (r EchoRunner) Run(ctx context.Context, payload, _ []byte) ([]byte, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]byte, 0, len(r.Prefix)+len(payload))
	out = append(out, r.Prefix...)
	return append(out, payload...), nil
}

// ExecRunner treats each payload as a command line. The job's data provider
// is the command's standard input and its standard output is the result.
type ExecRunner struct {
	Timeout time.Duration
	Env     []string
}

// Run executes the command
func (r ExecRunner) Run(ctx context.Context, payload, dataProvider []byte) ([]byte, error) {
	args, err := shlex.Split(string(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", payload, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(dataProvider)
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// Runner kinds accepted by NewRunner
const (
	RunnerEcho = "echo"
	RunnerExec = "exec"
)

// NewRunner builds a runner by name
func NewRunner(kind string, timeout time.Duration) (Runner, error) {
	switch kind {
	case RunnerEcho, "":
		return EchoRunner{}, nil
	case RunnerExec:
		return ExecRunner{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown runner %q", kind)
	}
}
