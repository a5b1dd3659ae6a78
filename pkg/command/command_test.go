package command

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/joblabels"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func meta(labels map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: "myjob", Namespace: "tool-test", Labels: labels}
}

func labelsFor(version string, newFormat, fileLog bool) map[string]string {
	labels := map[string]string{
		joblabels.Name:      "myjob",
		joblabels.CreatedBy: "test",
	}
	if version != "" {
		labels[joblabels.Version] = version
	}
	if newFormat {
		labels[joblabels.CommandNewFormat] = joblabels.Yes
	}
	if fileLog {
		labels[joblabels.FileLog] = joblabels.Yes
	}
	return labels
}

func TestFromAPIDefaults(t *testing.T) {
	c, err := FromAPI("./run.sh", true, true, "", "", "myjob")
	require.NoError(t, err)
	assert.Equal(t, Command{
		UserCommand:   "./run.sh",
		FileLog:       true,
		FileLogStdout: "myjob.out",
		FileLogStderr: "myjob.err",
		UseWrapper:    true,
	}, c)

	c, err = FromAPI("./run.sh", true, true, "/data/project/test/logs/out.log", "logs/err.log", "myjob")
	require.NoError(t, err)
	assert.Equal(t, "/data/project/test/logs/out.log", c.FileLogStdout)
	assert.Equal(t, "logs/err.log", c.FileLogStderr)

	c, err = FromAPI("./run.sh", true, false, "ignored.out", "ignored.err", "myjob")
	require.NoError(t, err)
	assert.Equal(t, Command{UserCommand: "./run.sh", UseWrapper: true}, c)
}

func TestFromAPIValidation(t *testing.T) {
	tests := []struct {
		name       string
		cmd        string
		useWrapper bool
		fileLog    bool
	}{
		{name: "empty", cmd: "  ", useWrapper: true},
		{name: "filelog without wrapper", cmd: "./run.sh", fileLog: true},
		{name: "unbalanced quotes", cmd: "./run.sh 'oops"},
		{name: "shell operator without wrapper", cmd: "./run.sh > out.log"},
		{name: "command list without wrapper", cmd: "./a.sh; ./b.sh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromAPI(tt.cmd, tt.useWrapper, tt.fileLog, "", "", "myjob")
			require.Error(t, err)
			assert.True(t, apierror.IsValidation(err))
		})
	}
}

func TestRenderWrapped(t *testing.T) {
	c := Command{UserCommand: "./run.sh --with-args", UseWrapper: true}
	command, args := c.Render()
	assert.Equal(t, []string{"/bin/sh", "-c", "--", "./run.sh --with-args"}, command)
	assert.Nil(t, args)

	c = Command{UserCommand: "./run.sh", FileLog: true, FileLogStdout: "myjob.out", FileLogStderr: "myjob.err", UseWrapper: true}
	command, args = c.Render()
	assert.Equal(t, []string{"/bin/sh", "-c", "--", "exec 1>>myjob.out;exec 2>>myjob.err;./run.sh"}, command)
	assert.Nil(t, args)
}

func TestRenderUnwrapped(t *testing.T) {
	c := Command{UserCommand: "./myscript.sh --arg 'hello world'"}
	command, args := c.Render()
	assert.Equal(t, []string{"./myscript.sh"}, command)
	assert.Equal(t, []string{"--arg", "hello world"}, args)

	c = Command{UserCommand: "launcher"}
	command, args = c.Render()
	assert.Equal(t, []string{"launcher"}, command)
	assert.Nil(t, args)
}

func TestRoundTripCurrentGeneration(t *testing.T) {
	tests := []struct {
		name       string
		cmd        string
		useWrapper bool
		fileLog    bool
		stdout     string
		stderr     string
	}{
		{name: "plain", cmd: "./command-by-the-user.sh --with-args", useWrapper: true},
		{name: "semicolons", cmd: "./command-by-the-user.sh --with-args ; ./other-command.sh", useWrapper: true},
		{name: "filelog defaults", cmd: "./run.sh", useWrapper: true, fileLog: true},
		{name: "filelog semicolons", cmd: "./a.sh ; ./b.sh", useWrapper: true, fileLog: true},
		{name: "custom stdout", cmd: "./run.sh", useWrapper: true, fileLog: true, stdout: "/data/project/test/logs/myjob.log"},
		{name: "custom stdout and stderr", cmd: "./run.sh", useWrapper: true, fileLog: true, stdout: "/dev/null", stderr: "logs/customlog.err"},
		{name: "unwrapped", cmd: "./myscript.sh --arg 'hello world'"},
		{name: "unwrapped single word", cmd: "launcher"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromAPI(tt.cmd, tt.useWrapper, tt.fileLog, tt.stdout, tt.stderr, "myjob")
			require.NoError(t, err)

			command, args := c.Render()
			decoded := FromStored(meta(joblabels.Generate(joblabels.Options{
				JobName: "myjob",
				Tool:    "test",
				Kind:    "jobs",
				FileLog: tt.fileLog,
			})), command, args)
			assert.Equal(t, c, decoded)
		})
	}
}

// legacyPayload encodes a command the way older releases did.
func legacyPayload(gen generation, cmd string, fileLog bool, stdout, stderr string) string {
	if !fileLog {
		stdout, stderr = "/dev/null", "/dev/null"
	}
	if gen == generationSuffix {
		if fileLog {
			return fmt.Sprintf("%s 1>>%s 2>>%s", cmd, stdout, stderr)
		}
		return fmt.Sprintf("%s 1>%s 2>%s", cmd, stdout, stderr)
	}
	return fmt.Sprintf("exec 1>>%s;exec 2>>%s;%s", stdout, stderr, cmd)
}

func TestDecodeLegacyGenerations(t *testing.T) {
	commands := []string{
		"./command-by-the-user.sh --with-args",
		"./command-by-the-user.sh --with-args ; ./other-command.sh",
		"python3 script.py 1>>extra.log",
	}
	outputs := []struct {
		fileLog bool
		stdout  string
		stderr  string
	}{
		{fileLog: false},
		{fileLog: true, stdout: "myjob.out", stderr: "myjob.err"},
		{fileLog: true, stdout: "/data/project/test/logs/myjob.log", stderr: "myjob.err"},
		{fileLog: true, stdout: "/dev/null", stderr: "logs/customlog.err"},
	}
	generations := []struct {
		name      string
		gen       generation
		version   string
		newFormat bool
	}{
		{name: "suffix", gen: generationSuffix},
		{name: "suffix with version label", gen: generationSuffix, version: joblabels.VersionLegacy},
		{name: "split", gen: generationSplit, version: joblabels.VersionLegacy, newFormat: true},
		{name: "split without version label", gen: generationSplit, newFormat: true},
	}

	for _, g := range generations {
		for _, cmd := range commands {
			for _, out := range outputs {
				name := fmt.Sprintf("%s/%s/filelog=%v/%s", g.name, cmd, out.fileLog, out.stdout)
				t.Run(name, func(t *testing.T) {
					payload := legacyPayload(g.gen, cmd, out.fileLog, out.stdout, out.stderr)
					stored := []string{"/bin/sh", "-c", "--", payload}

					c := FromStored(meta(labelsFor(g.version, g.newFormat, out.fileLog)), stored, nil)
					assert.Equal(t, cmd, c.UserCommand)
					assert.Equal(t, out.fileLog, c.FileLog)
					assert.Equal(t, out.stdout, c.FileLogStdout)
					assert.Equal(t, out.stderr, c.FileLogStderr)
					assert.True(t, c.UseWrapper)
				})
			}
		}
	}
}

func TestDecodeUnknown(t *testing.T) {
	tests := []struct {
		name    string
		labels  map[string]string
		command []string
		args    []string
	}{
		{
			name:    "empty array",
			labels:  labelsFor("", false, false),
			command: nil,
		},
		{
			name:    "suffix without redirections",
			labels:  labelsFor("", false, false),
			command: []string{"/bin/sh", "-c", "--", "./run.sh"},
		},
		{
			name:    "split with too few segments",
			labels:  labelsFor(joblabels.VersionLegacy, true, false),
			command: []string{"/bin/sh", "-c", "--", "exec 1>>/dev/null;./run.sh"},
		},
		{
			name:    "split with empty command",
			labels:  labelsFor(joblabels.VersionLegacy, true, false),
			command: []string{"/bin/sh", "-c", "--", "exec 1>>/dev/null;exec 2>>/dev/null;"},
		},
		{
			name:    "current filelog without redirections",
			labels:  labelsFor(joblabels.VersionCurrent, true, true),
			command: []string{"/bin/sh", "-c", "--", "./run.sh"},
		},
		{
			name:    "wrapper with extra tokens",
			labels:  labelsFor(joblabels.VersionCurrent, true, false),
			command: []string{"/bin/sh", "-c", "--", "./run.sh", "extra"},
		},
		{
			name:    "wrapper with args",
			labels:  labelsFor(joblabels.VersionCurrent, true, false),
			command: []string{"/bin/sh", "-c", "--", "./run.sh"},
			args:    []string{"extra"},
		},
		{
			name:    "bare wrapper",
			labels:  labelsFor(joblabels.VersionCurrent, true, false),
			command: []string{"/bin/sh", "-c", "--"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := FromStored(meta(tt.labels), tt.command, tt.args)
			assert.Equal(t, Unknown, c.UserCommand)
		})
	}
}

func TestDecodeUnwrappedRequotes(t *testing.T) {
	c := FromStored(meta(labelsFor(joblabels.VersionCurrent, true, false)), []string{"./myscript.sh"}, []string{"--name", "hello world", "$HOME"})
	assert.Equal(t, `./myscript.sh --name 'hello world' \$HOME`, c.UserCommand)
	assert.False(t, c.UseWrapper)
	assert.False(t, c.FileLog)
}

func TestDecodeFileLogDefaultsToJobName(t *testing.T) {
	// old payloads without parsable redirections still report where logs are written
	c := FromStored(meta(labelsFor("", false, true)), []string{"/bin/sh", "-c", "--", "./run.sh 1>>"}, nil)
	assert.Equal(t, "./run.sh", c.UserCommand)
	assert.Equal(t, "myjob.out", c.FileLogStdout)
	assert.Equal(t, "myjob.err", c.FileLogStderr)
}
