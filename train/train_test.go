package train

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweetgen/tweetgen/dataset"
	"k8s.io/klog/v2/textlogger"
)

func testView(t *testing.T) *dataset.View {
	v, err := dataset.NewView([]int32{1, 2, 3, 4, 5, 6, 7, 8}, 4)
	require.NoError(t, err)
	return v
}

func testArguments() Arguments {
	args := DefaultArguments()
	args.RunName = "run-1"
	args.DataPath = "/data/tweets"
	return args
}

// writeScript writes an executable shell script into a temporary directory.
func writeScript(t *testing.T, body string) string {
	if runtime.GOOS == "windows" {
		t.Skip("trainer scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "trainer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDefaultArguments(t *testing.T) {
	args := DefaultArguments()
	assert.Equal(t, 1, args.Epochs)
	assert.Equal(t, 1000, args.SaveSteps)
	assert.Equal(t, 32, args.BatchSize)
	assert.Equal(t, "checkpoints", args.OutputDir)
	assert.Zero(t, args.Seed)
	require.ErrorContains(t, args.Validate(), "run name")
	require.NoError(t, testArguments().Validate())
}

func TestArgumentsValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Arguments){
		"run name separator": func(a *Arguments) { a.RunName = "a/b" },
		"data path":          func(a *Arguments) { a.DataPath = "" },
		"epochs":             func(a *Arguments) { a.Epochs = 0 },
		"save steps":         func(a *Arguments) { a.SaveSteps = -1 },
		"batch size":         func(a *Arguments) { a.BatchSize = 0 },
		"output dir":         func(a *Arguments) { a.OutputDir = "" },
	} {
		args := testArguments()
		mutate(&args)
		require.Error(t, args.Validate(), name)
	}
}

func TestArgumentsFlags(t *testing.T) {
	args := testArguments()
	args.DatasetFile = "checkpoints/run-1.safetensors"
	args.Seed = 42
	assert.Equal(t, []string{
		"--run-name", "run-1",
		"--data-path", "/data/tweets",
		"--dataset", "checkpoints/run-1.safetensors",
		"--epochs", "1",
		"--save-steps", "1000",
		"--batch-size", "32",
		"--output-dir", "checkpoints",
		"--seed", "42",
	}, args.Flags())

	args.DatasetFile = ""
	assert.NotContains(t, args.Flags(), "--dataset")
}

func TestCommandDriver(t *testing.T) {
	script := writeScript(t, `printf '%s\n' "$@" > "$ARGS_FILE"
echo "epoch 1 done"
echo "warning: slow" >&2
`)
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	var logs bytes.Buffer
	driver := &CommandDriver{
		Command: []string{script},
		Env:     []string{"ARGS_FILE=" + argsFile},
		Logger:  textlogger.NewLogger(textlogger.NewConfig(textlogger.Output(&logs))),
	}
	args := testArguments()
	dir, err := driver.Train(context.Background(), args, testView(t))
	require.NoError(t, err)
	assert.Equal(t, "checkpoints", dir)

	content, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, args.Flags(), strings.Fields(string(content)))
	assert.Contains(t, logs.String(), "epoch 1 done")
	assert.Contains(t, logs.String(), "warning: slow")
}

func TestCommandDriverErrors(t *testing.T) {
	_, err := (&CommandDriver{}).Train(context.Background(), testArguments(), testView(t))
	require.ErrorContains(t, err, "no trainer command")

	failing := writeScript(t, "echo 'out of memory' >&2\nexit 3\n")
	_, err = (&CommandDriver{Command: []string{failing}}).Train(context.Background(), testArguments(), testView(t))
	require.ErrorContains(t, err, "out of memory")

	sleeping := writeScript(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&CommandDriver{Command: []string{sleeping}}).Train(ctx, testArguments(), testView(t))
	require.ErrorIs(t, err, context.Canceled)

	_, err = (&CommandDriver{Command: []string{sleeping}}).Train(context.Background(), Arguments{}, testView(t))
	require.ErrorContains(t, err, "run name")
}

func TestDryRunDriver(t *testing.T) {
	dir, err := DryRunDriver{}.Train(context.Background(), testArguments(), testView(t))
	require.NoError(t, err)
	assert.Equal(t, "checkpoints", dir)
}

func TestLineLogger(t *testing.T) {
	var logs bytes.Buffer
	w := &lineLogger{logger: textlogger.NewLogger(textlogger.NewConfig(textlogger.Output(&logs))), stream: "stdout"}
	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\n\n"))
	assert.Equal(t, "second", w.LastLine())
	_, _ = w.Write([]byte("partial"))
	w.Flush()
	assert.Equal(t, "partial", w.LastLine())
	assert.Equal(t, 3, strings.Count(logs.String(), "Trainer output"))
}
