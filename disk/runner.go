package disk

import (
	"bytes"
	stderrors "errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

// RequiredCommands are the host tools used to assemble a disk image
var RequiredCommands = []string{"dd", "losetup", "mkfs.ext4", "mount", "umount", "sfdisk", "cp"}

// Command is one invocation of a host tool
type Command struct {
	Name  string
	Args  []string
	Stdin string
}

// Argv returns the command name followed by its arguments
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Runner executes host commands. Implementations return the captured
// standard output, and a resource error carrying the full output on failure.
type Runner interface {
	Run(cmd Command) (string, error)
}

// OSRunner runs commands as child processes
type OSRunner struct {
	log     *logrus.Entry
	command func(string, ...string) *exec.Cmd
}

// NewOSRunner creates a runner backed by os/exec
func NewOSRunner(log *logrus.Entry) *OSRunner {
	return &OSRunner{
		log:     log,
		command: exec.Command,
	}
}

// SetCommand sets the command function used by the struct.
// To be used for testing only
func (r *OSRunner) SetCommand(cmd func(string, ...string) *exec.Cmd) {
	r.command = cmd
}

// Run starts the command and waits for it. No context is attached: a
// started command always runs to completion.
func (r *OSRunner) Run(command Command) (string, error) {
	cmd := r.command(command.Name, command.Args...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if command.Stdin != "" {
		cmd.Stdin = strings.NewReader(command.Stdin)
	}

	before := time.Now()
	err := cmd.Run()
	r.log.WithFields(logrus.Fields{
		"command":  command.String(),
		"duration": time.Since(before).String(),
	}).Debug("command finished")

	if err == nil {
		return stdout.String(), nil
	}

	if stderrors.Is(err, exec.ErrNotFound) {
		return "", errors.NewResourceError(errors.KindCommandNotFound, command.Name,
			"command not found: "+command.Name, err)
	}

	output := &errors.CommandOutput{
		Args:     command.Argv(),
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		output.ExitCode = exitErr.ExitCode()
	}
	return stdout.String(), errors.NewCommandError(command.Name, output, err)
}

// CheckRequiredCommands verifies that every host tool used for assembly is
// on PATH
func CheckRequiredCommands() error {
	return checkCommands(RequiredCommands, exec.LookPath)
}

func checkCommands(names []string, lookPath func(string) (string, error)) error {
	var missing *multierror.Error
	var missingNames []string
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			missing = multierror.Append(missing, err)
			missingNames = append(missingNames, name)
		}
	}
	if missing == nil {
		return nil
	}

	return errors.NewResourceError(errors.KindCommandNotFound, "check_commands",
		"required commands not found: "+strings.Join(missingNames, ", "), missing.ErrorOrNil())
}
