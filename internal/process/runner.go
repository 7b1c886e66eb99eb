package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// CommandRunner abstracts one-shot command execution such as the version probe.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host. Env entries are appended
// to the current environment.
type ExecRunner struct {
	Env []string
}

// waitDelay bounds how long Run waits for output pipes after the command is
// killed, since descendants can keep them open.
const waitDelay = 500 * time.Millisecond

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
