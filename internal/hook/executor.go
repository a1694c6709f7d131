package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a hook does not exit within the executor's
// timeout.
var ErrTimeout = errors.New("hook timed out")

// RunError describes a hook that could not be run or exited unsuccessfully.
type RunError struct {
	Hook   string
	Stderr string
	Err    error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("hook %s: %v", e.Hook, e.Err)
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Executor runs one hook process per request.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an Executor that kills hooks running longer than timeout.
func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{timeout: timeout}
}

// Execute starts h with req, augmented with the manifest config, as JSON on
// stdin and decodes the Response the hook prints on stdout.
func (e *Executor) Execute(ctx context.Context, h *Hook, req *Request) (*Response, error) {
	payload := *req
	payload.Config = h.Manifest.Config
	stdin, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.Executable)
	cmd.Dir = h.Path
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit stdout must not keep Run blocked past the deadline.
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	tail := strings.TrimSpace(stderr.String())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, &RunError{Hook: h.Manifest.Name, Stderr: tail, Err: fmt.Errorf("%w after %v", ErrTimeout, e.timeout)}
	case runErr != nil:
		return nil, &RunError{Hook: h.Manifest.Name, Stderr: tail, Err: runErr}
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, &RunError{Hook: h.Manifest.Name, Err: fmt.Errorf("parse hook response %q: %w", stdout.String(), err)}
	}
	return &resp, nil
}
