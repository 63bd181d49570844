// tweetgen prepares a corpus of posts for causal language model fine-tuning, runs an external
// trainer on it and deploys the result.
//
// Usage:
//
//	tweetgen [train] --run-name=NAME --data-path=DIR|s3://BUCKET/PREFIX [flags]
//	tweetgen inspect --cache=FILE | --artifact=DIR
//	tweetgen predict --model=NAME [--input=TEXT]
//	tweetgen partition --src=DIR --dst=DIR [--lines=100]
//	tweetgen sample --dir=DIR
//	tweetgen runs
//
// Exit codes: 0 on success, 2 for usage errors, 3 for configuration errors, 4 for data errors
// and 1 for anything else.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/dataset"
	"github.com/tweetgen/tweetgen/internal/config"
	"github.com/tweetgen/tweetgen/registry"
	"k8s.io/klog/v2"
)

const (
	exitOK     = 0
	exitOther  = 1
	exitUsage  = 2
	exitConfig = 3
	exitData   = 4
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"train", "prepare the dataset, train and deploy (default)", runTrain},
	{"inspect", "summarize a dataset cache or a trained artifact", runInspect},
	{"predict", "generate a post with a deployed model", runPredict},
	{"partition", "split a corpus into 100-line partitions", runPartition},
	{"sample", "print the text of a random post from a partitioned corpus", runSample},
	{"runs", "list the recorded runs", runRuns},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	klog.Flush()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	name := "train"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	var cmd *command
	for ii := range commands {
		if commands[ii].name == name {
			cmd = &commands[ii]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "tweetgen: unknown command %q\n\n", name)
		printUsage(stderr)
		return exitUsage
	}

	err := cmd.run(ctx, args, stdout, stderr)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	fmt.Fprintf(stderr, "tweetgen %s: %v\n", name, err)
	return exitCode(err)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tweetgen [command] [flags]\n\nCommands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintln(w, "\nRun 'tweetgen <command> -h' for the flags of a command.")
}

// usageError reports invalid command-line arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{errors.Errorf(format, args...)}
}

// configError reports an unusable configuration file or value.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var (
		usageErr    *usageError
		cfgErr      *configError
		dsConfigErr *dataset.ConfigurationError
		parseErr    *dataset.ParseError
		tooSmallErr *dataset.DataTooSmallError
	)
	switch {
	case errors.As(err, &usageErr):
		return exitUsage
	case errors.As(err, &cfgErr), errors.As(err, &dsConfigErr), errors.Is(err, registry.ErrRunExists):
		return exitConfig
	case errors.As(err, &parseErr), errors.As(err, &tooSmallErr):
		return exitData
	}
	return exitOther
}

// newFlagSet creates the flag set of a command, with the klog flags (-v, ...) registered.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("tweetgen "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{err}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments %q", fs.Args())
	}
	return nil
}

// visited returns the names of the flags set on the command line.
func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// loadConfig loads the configuration file and applies its logging verbosity, unless -v was given.
func loadConfig(fs *flag.FlagSet, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &configError{err}
	}
	if cfg.Logging.Verbosity > 0 && !visited(fs)["v"] {
		if err := fs.Set("v", strconv.Itoa(cfg.Logging.Verbosity)); err != nil {
			return nil, &configError{errors.Wrap(err, "logging.verbosity")}
		}
	}
	return cfg, nil
}
