package pitingest

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Hook decides whether a file is accepted.  Run returns nil to accept
// path and a *HookError to reject it.  Any other error means the hook
// could not be run at all, and nothing is recorded.
type Hook interface {
	Run(path string) error
}

// HookError is a rejection: the hook ran and exited non-zero.
type HookError struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook rejected %s: exit status %d", e.Path, e.ExitCode)
}

func (e *HookError) Unwrap() error { return e.Err }

// HookFunc adapts an ordinary function to Hook.
type HookFunc func(path string) error

func (f HookFunc) Run(path string) error {
	return f(path)
}

// ExecHook runs an external command with the candidate path appended
// as its last argument.
type ExecHook struct {
	Args []string
}

// NewExecHook returns a hook running command.  A command naming an
// existing regular file is run as is, whatever characters its path
// holds.  Anything else is split with shell quoting rules, so that e.g.
// `sh -c 'test -s "$0"'` is a valid hook.
func NewExecHook(command string) (hook *ExecHook, err error) {
	fi, err := os.Stat(command)
	if err == nil && fi.Mode().IsRegular() {
		if !strings.ContainsRune(command, filepath.Separator) {
			// keep exec from searching PATH
			command = "." + string(filepath.Separator) + command
		}
		return &ExecHook{Args: []string{command}}, nil
	}
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "hook %q", command)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty hook command")
	}
	return &ExecHook{Args: args}, nil
}

func (hook *ExecHook) String() string {
	return strings.Join(hook.Args, " ")
}

// Run waits for the hook to exit.  It cannot be cancelled.
func (hook *ExecHook) Run(path string) error {
	args := append(hook.Args[1:len(hook.Args):len(hook.Args)], path)
	cmd := exec.Command(hook.Args[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if stdout.Len() > 0 || stderr.Len() > 0 {
		log.WithFields(log.Fields{
			"path":   path,
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		}).Debug("hook output")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &HookError{Path: path, ExitCode: exitErr.ExitCode(), Err: err}
	}
	if err != nil {
		return errors.Wrapf(err, "run hook %s", hook.Args[0])
	}
	return nil
}
