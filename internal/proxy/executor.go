package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"mvdan.cc/sh/v3/shell"

	"github.com/tomwhite/lithops/internal/protocol"
)

// ErrExecution indicates the worker command failed.
var ErrExecution = errors.New("activation failed")

// Mode selects which worker command handles an activation.
type Mode string

const (
	// ModeHandler runs a single function call.
	ModeHandler Mode = "handler"
	// ModeInvoker fans a job out into further invocations.
	ModeInvoker Mode = "invoker"
)

// Executor runs one activation to completion.
type Executor interface {
	Execute(ctx context.Context, mode Mode, activationID string, message []byte) error
}

// CommandExecutor runs the configured worker command for each mode with the
// message on stdin.
type CommandExecutor struct {
	commands map[Mode][]string
	stdout   io.Writer
	stderr   io.Writer
}

// NewCommandExecutor parses the handler and invoker command lines with shell
// quoting rules. Environment references are expanded from the process env.
func NewCommandExecutor(handlerCmd, invokerCmd string, stdout, stderr io.Writer) (*CommandExecutor, error) {
	commands := make(map[Mode][]string, 2)
	for mode, line := range map[Mode]string{ModeHandler: handlerCmd, ModeInvoker: invokerCmd} {
		args, err := shell.Fields(line, os.Getenv)
		if err != nil {
			return nil, fmt.Errorf("parse %s command %q: %w", mode, line, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%s command is empty", mode)
		}
		commands[mode] = args
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &CommandExecutor{commands: commands, stdout: stdout, stderr: stderr}, nil
}

// Command returns the argv configured for mode.
func (e *CommandExecutor) Command(mode Mode) []string {
	return append([]string(nil), e.commands[mode]...)
}

// Execute satisfies Executor. The activation id is exported to the child as
// __LITHOPS_ACTIVATION_ID.
func (e *CommandExecutor) Execute(ctx context.Context, mode Mode, activationID string, message []byte) error {
	args, ok := e.commands[mode]
	if !ok {
		return fmt.Errorf("%w: unknown mode %q", ErrExecution, mode)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), protocol.ActivationEnv+"="+activationID)
	cmd.Stdin = bytes.NewReader(message)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecution, mode, err)
	}
	return nil
}
