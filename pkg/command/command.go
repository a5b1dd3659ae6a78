package command

import (
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/mattn/go-shellwords"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	stdoutPrefix = "exec 1>>"
	stderrPrefix = "exec 2>>"

	// Unknown is shown for stored commands that can't be decoded.
	Unknown = "unknown"
)

// the wrapped image needs /bin/sh
var wrapper = []string{"/bin/sh", "-c", "--"}

// Command is what the user asked to run and where its output should go.
type Command struct {
	UserCommand   string
	FileLog       bool
	FileLogStdout string
	FileLogStderr string
	UseWrapper    bool
}

// FromAPI builds a Command from request parameters. When file logging is enabled, output paths
// default to <jobName>.out and <jobName>.err relative to the working directory.
func FromAPI(userCommand string, useWrapper, fileLog bool, stdout, stderr, jobName string) (Command, error) {
	if strings.TrimSpace(userCommand) == "" {
		return Command{}, apierror.NewValidation("cmd", "command can't be empty")
	}

	if !useWrapper {
		if fileLog {
			return Command{}, apierror.NewValidation("filelog", "this image does not support file logs")
		}
		if _, err := split(userCommand); err != nil {
			return Command{}, apierror.NewValidationf("cmd", "unable to parse command '%s': %v", userCommand, err)
		}
		return Command{UserCommand: userCommand}, nil
	}

	c := Command{
		UserCommand: userCommand,
		FileLog:     fileLog,
		UseWrapper:  true,
	}
	if fileLog {
		c.FileLogStdout = stdout
		if c.FileLogStdout == "" {
			c.FileLogStdout = jobName + ".out"
		}
		c.FileLogStderr = stderr
		if c.FileLogStderr == "" {
			c.FileLogStderr = jobName + ".err"
		}
	}
	return c, nil
}

// Render returns the container command and args. args is nil for wrapped commands.
func (c Command) Render() ([]string, []string) {
	if !c.UseWrapper {
		words, err := split(c.UserCommand)
		if err != nil || len(words) == 0 {
			return []string{c.UserCommand}, nil
		}
		if len(words) == 1 {
			return words, nil
		}
		return words[:1], words[1:]
	}

	payload := strings.Builder{}
	if c.FileLog {
		payload.WriteString(stdoutPrefix + c.FileLogStdout + ";")
		payload.WriteString(stderrPrefix + c.FileLogStderr + ";")
	}
	payload.WriteString(c.UserCommand)

	result := make([]string, 0, len(wrapper)+1)
	result = append(result, wrapper...)
	return append(result, payload.String()), nil
}

// FromStored decodes the command of an existing workload. It never fails: anything it can't make
// sense of decodes to Unknown.
func FromStored(meta metav1.ObjectMeta, command, args []string) Command {
	fileLog := meta.Labels[joblabels.FileLog] == joblabels.Yes

	if !hasWrapper(command) {
		if len(command) == 0 {
			return Command{UserCommand: Unknown}
		}
		words := make([]string, 0, len(command)+len(args))
		words = append(words, command...)
		words = append(words, args...)
		return Command{UserCommand: shellquote.Join(words...)}
	}

	result := Command{
		UserCommand: Unknown,
		FileLog:     fileLog,
		UseWrapper:  true,
	}
	if len(command) != len(wrapper)+1 || len(args) != 0 {
		return result
	}

	var d decoded
	switch generationOf(meta.Labels) {
	case generationSuffix:
		d = decodeSuffix(command[len(wrapper)])
	case generationSplit:
		d = decodeSplit(command[len(wrapper)])
	case generationCurrent:
		d = decodeCurrent(command[len(wrapper)], fileLog)
	}

	if d.userCommand != "" {
		result.UserCommand = d.userCommand
	}
	if fileLog {
		result.FileLogStdout = d.stdout
		if result.FileLogStdout == "" {
			result.FileLogStdout = meta.Name + ".out"
		}
		result.FileLogStderr = d.stderr
		if result.FileLogStderr == "" {
			result.FileLogStderr = meta.Name + ".err"
		}
	}
	return result
}

func hasWrapper(command []string) bool {
	if len(command) < len(wrapper) {
		return false
	}
	for i, token := range wrapper {
		if command[i] != token {
			return false
		}
	}
	return true
}

// split breaks a command into words. Shell operators are rejected since nothing will interpret them.
func split(userCommand string) ([]string, error) {
	parser := shellwords.NewParser()
	words, err := parser.Parse(userCommand)
	if err != nil {
		return nil, err
	}
	if parser.Position != -1 {
		return nil, errShellOperator
	}
	return words, nil
}
