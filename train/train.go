// Package train hands a prepared dataset to an external training driver.
//
// The training loop itself lives outside this repository: a Driver receives the run's
// Arguments, unchanged from the command line, and returns where it saved the trained artifact.
package train

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/dataset"
	"k8s.io/klog/v2"
)

// Default values of Arguments.
const (
	DefaultEpochs    = 1
	DefaultSaveSteps = 1000
	DefaultBatchSize = 32
	DefaultOutputDir = "checkpoints"
)

// Arguments of a training run.
type Arguments struct {
	RunName  string
	DataPath string

	// DatasetFile is the dataset cache holding the prepared token stream, if one was written.
	DatasetFile string

	Epochs    int
	SaveSteps int
	BatchSize int
	OutputDir string
	Seed      uint64
}

// DefaultArguments returns Arguments with the default hyperparameters and no run name.
func DefaultArguments() Arguments {
	return Arguments{
		Epochs:    DefaultEpochs,
		SaveSteps: DefaultSaveSteps,
		BatchSize: DefaultBatchSize,
		OutputDir: DefaultOutputDir,
	}
}

// Validate checks that the arguments can be passed to a trainer.
func (a Arguments) Validate() error {
	switch {
	case a.RunName == "":
		return errors.New("run name is required")
	case strings.ContainsAny(a.RunName, `/\`):
		return errors.Errorf("run name %q must not contain path separators", a.RunName)
	case a.DataPath == "":
		return errors.New("data path is required")
	case a.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", a.Epochs)
	case a.SaveSteps <= 0:
		return errors.Errorf("save steps must be positive, got %d", a.SaveSteps)
	case a.BatchSize <= 0:
		return errors.Errorf("batch size must be positive, got %d", a.BatchSize)
	case a.OutputDir == "":
		return errors.New("output directory is required")
	}
	return nil
}

// Flags renders the arguments as command-line flags for an external trainer.
func (a Arguments) Flags() []string {
	flags := []string{
		"--run-name", a.RunName,
		"--data-path", a.DataPath,
	}
	if a.DatasetFile != "" {
		flags = append(flags, "--dataset", a.DatasetFile)
	}
	return append(flags,
		"--epochs", strconv.Itoa(a.Epochs),
		"--save-steps", strconv.Itoa(a.SaveSteps),
		"--batch-size", strconv.Itoa(a.BatchSize),
		"--output-dir", a.OutputDir,
		"--seed", strconv.FormatUint(a.Seed, 10),
	)
}

// Driver trains a model on a dataset view.
type Driver interface {
	// Train runs to completion and returns the directory holding the trained artifact.
	Train(ctx context.Context, args Arguments, v *dataset.View) (artifactDir string, err error)
}

// CommandDriver runs an external trainer command, appending Arguments.Flags to Command.
// The trainer's output is logged line by line. Canceling the context kills the trainer.
type CommandDriver struct {
	Command []string

	// Env is added to the current environment of the trainer.
	Env []string

	Logger klog.Logger
}

var _ Driver = &CommandDriver{}

// Train implements Driver.
func (d *CommandDriver) Train(ctx context.Context, args Arguments, v *dataset.View) (string, error) {
	if len(d.Command) == 0 {
		return "", errors.New("no trainer command configured")
	}
	if err := args.Validate(); err != nil {
		return "", err
	}
	logger := d.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}

	cmdArgs := append(append([]string{}, d.Command[1:]...), args.Flags()...)
	cmd := exec.CommandContext(ctx, d.Command[0], cmdArgs...)
	cmd.Env = append(os.Environ(), d.Env...)
	stdout := &lineLogger{logger: logger, stream: "stdout"}
	stderr := &lineLogger{logger: logger, stream: "stderr"}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	logger.Info("Starting trainer", "command", d.Command[0], "run", args.RunName,
		"windows", v.Size(), "block_size", v.BlockSize())
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errors.Wrapf(ctxErr, "trainer for run %q interrupted", args.RunName)
		}
		if last := stderr.LastLine(); last != "" {
			return "", errors.Wrapf(err, "trainer for run %q failed: %s", args.RunName, last)
		}
		return "", errors.Wrapf(err, "trainer for run %q failed", args.RunName)
	}
	logger.Info("Trainer finished", "run", args.RunName, "output_dir", args.OutputDir)
	return args.OutputDir, nil
}

// DryRunDriver skips training: it only validates the arguments and reports the output
// directory, e.g. to prepare and cache a dataset without training on it.
type DryRunDriver struct {
	Logger klog.Logger
}

var _ Driver = DryRunDriver{}

// Train implements Driver.
func (d DryRunDriver) Train(_ context.Context, args Arguments, v *dataset.View) (string, error) {
	if err := args.Validate(); err != nil {
		return "", err
	}
	logger := d.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	logger.Info("Skipping training", "run", args.RunName, "windows", v.Size(), "flags", args.Flags())
	return args.OutputDir, nil
}

// lineLogger is an io.Writer that logs each complete line written to it.
type lineLogger struct {
	logger klog.Logger
	stream string

	mu   sync.Mutex
	buf  []byte
	last string
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush logs a final line with no newline.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

// LastLine returns the last non-empty line logged.
func (w *lineLogger) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	w.last = text
	w.logger.Info("Trainer output", "stream", w.stream, "line", text)
}
