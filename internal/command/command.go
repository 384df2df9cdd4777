// Package command runs external tools (pdftoppm, tesseract) with captured output.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external tool invocation
type Command struct {
	Bin  string
	Args []string
	Env  []string // KEY=VALUE, appended to the process environment
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Bin + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands and captures stdout/stderr
type Runner interface {
	Run(ctx context.Context, cmd Command) (stdout []byte, stderr []byte, err error)
}

// Exec runs commands with os/exec. The process is killed when ctx ends.
type Exec struct{}

// Run executes cmd with exec.CommandContext
func (Exec) Run(ctx context.Context, cmd Command) ([]byte, []byte, error) {
	c := exec.CommandContext(ctx, cmd.Bin, cmd.Args...) //nolint:gosec // binary comes from configuration
	c.Env = os.Environ()
	if len(cmd.Env) > 0 {
		c.Env = append(c.Env, cmd.Env...)
	}
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Error folds a failed run's stderr into the returned error
func Error(cmd Command, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", cmd.Bin, err)
	}
	return fmt.Errorf("%s: %w: %s", cmd.Bin, err, msg)
}

// Available reports whether bin can be found on PATH (or is an existing path)
func Available(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}
