// Package process spawns a module as its own OS process and exposes its
// stdio as a duplex byte stream, so a coordinator can drive it exactly like
// an in-process module.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is one spawned module process. Its Split and Close methods
// satisfy the transport interface, so the process handle doubles as the
// coordinator's channel to the module.
type Process struct {
	cmd    *exec.Cmd
	stdin  *io.PipeWriter
	stdout *io.PipeReader
}

// Spawn starts the executable at path with the given arguments. Stdin and
// stdout carry the coordinator link; stderr passes through for diagnostics.
func Spawn(path string, args ...string) (*Process, error) {
	cmd := exec.Command(path, args...)

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdinWriter,
		stdout: stdoutReader,
	}, nil
}

// Split returns the receive half and the send half of the module's stdio.
func (p *Process) Split() (io.Reader, io.Writer) {
	return p.stdout, p.stdin
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	return nil
}

// Close closes the stdio pipes and kills the process if it is still
// running.
func (p *Process) Close() error {
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := p.stdout.Close(); err != nil {
		return fmt.Errorf("failed to close stdout: %w", err)
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}
