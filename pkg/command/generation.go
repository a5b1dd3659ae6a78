package command

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/toolforge/jobs-api/pkg/joblabels"
)

var errShellOperator = errors.New("shell operators are not supported without a shell wrapper")

// generation identifies how the wrapped payload of a stored command was encoded.
type generation int

const (
	// "<cmd> 1>>out 2>>err", or "<cmd> 1>/dev/null 2>/dev/null"
	generationSuffix generation = iota
	// "exec 1>>out;exec 2>>err;<cmd>", redirections always present
	generationSplit
	// like generationSplit, but redirections only present with file logging
	generationCurrent
)

func generationOf(labels map[string]string) generation {
	if labels[joblabels.Version] == joblabels.VersionCurrent {
		return generationCurrent
	}
	if labels[joblabels.CommandNewFormat] == joblabels.Yes {
		return generationSplit
	}
	return generationSuffix
}

type decoded struct {
	userCommand string
	stdout      string
	stderr      string
}

func decodeSuffix(payload string) decoded {
	idx := strings.LastIndex(payload, " 1>")
	if idx < 0 {
		return decoded{}
	}

	d := decoded{userCommand: payload[:idx]}
	for _, redirect := range strings.Fields(payload[idx+1:]) {
		switch {
		case strings.HasPrefix(redirect, "1>>"):
			d.stdout = strings.TrimPrefix(redirect, "1>>")
		case strings.HasPrefix(redirect, "1>"):
			d.stdout = strings.TrimPrefix(redirect, "1>")
		case strings.HasPrefix(redirect, "2>>"):
			d.stderr = strings.TrimPrefix(redirect, "2>>")
		case strings.HasPrefix(redirect, "2>"):
			d.stderr = strings.TrimPrefix(redirect, "2>")
		}
	}
	return d
}

func decodeSplit(payload string) decoded {
	items := strings.Split(payload, ";")
	if len(items) < 3 {
		return decoded{}
	}
	// the user command itself may contain ';'
	return decoded{
		userCommand: strings.Join(items[2:], ";"),
		stdout:      strings.TrimPrefix(items[0], stdoutPrefix),
		stderr:      strings.TrimPrefix(items[1], stderrPrefix),
	}
}

func decodeCurrent(payload string, fileLog bool) decoded {
	if !fileLog {
		return decoded{userCommand: payload}
	}
	items := strings.Split(payload, ";")
	if len(items) < 3 || !strings.HasPrefix(items[0], stdoutPrefix) || !strings.HasPrefix(items[1], stderrPrefix) {
		return decoded{}
	}
	return decodeSplit(payload)
}
