package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/tweetgen/tweetgen/dataset"
	"github.com/tweetgen/tweetgen/deploy"
	"github.com/tweetgen/tweetgen/internal/files"
	"github.com/tweetgen/tweetgen/models/safetensors"
	"github.com/tweetgen/tweetgen/partition"
	"github.com/tweetgen/tweetgen/registry"
	"k8s.io/klog/v2"
)

func runInspect(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("inspect", stderr)
	cachePath := fs.String("cache", "", "Dataset cache (.safetensors) written by a run.")
	artifactDir := fs.String("artifact", "", "Trained model directory with .safetensors weights.")
	batchSize := fs.Int("batch-size", 8, "Batch size of the sample batch collated from the cache.")
	seed := fs.Uint64("seed", 0, "Seed used to sample the batch.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *cachePath == "" && *artifactDir == "" {
		fs.Usage()
		return usagef("one of --cache or --artifact is required")
	}

	if *cachePath != "" {
		meta, err := dataset.ReadCacheMetadata(*cachePath)
		if err != nil {
			return err
		}
		view, err := dataset.OpenCache(*cachePath)
		if err != nil {
			return err
		}
		batch, err := firstBatch(view, *seed, *batchSize, 0)
		if err != nil {
			return err
		}
		sum := newSummary("dataset cache " + *cachePath)
		for _, key := range []string{"run_name", "run_id", "data_path", "tokenizer", "vocab_size"} {
			if value, found := meta[key]; found {
				sum.add(key, value)
			}
		}
		sum.add("tokens", view.Len())
		sum.add("windows", view.Size())
		sum.add("block size", view.BlockSize())
		sum.add("batch shape", batch.InputIDs.Shape().String())
		sum.render(stdout)
	}

	if *artifactDir != "" {
		artifact, err := safetensors.Inspect(*artifactDir)
		if err != nil {
			return err
		}
		sum := newSummary("artifact " + artifact.Dir)
		sum.add("sharded", artifact.Sharded)
		sum.add("files", artifact.NumFiles)
		sum.add("tensors", artifact.NumTensors)
		sum.add("parameters", artifact.NumParams)
		sum.add("size", fmt.Sprintf("%d bytes", artifact.SizeBytes))
		sum.render(stdout)
	}
	return nil
}

func runPredict(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("predict", stderr)
	configPath := fs.String("config", "", "YAML configuration file.")
	model := fs.String("model", "", "Name of the deployed model, i.e. its run name. Required.")
	input := fs.String("input", "", "Optional prompt.")
	baseURL := fs.String("base-url", "", "Serving platform address, overriding deploy.base_url.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *model == "" {
		fs.Usage()
		return usagef("--model is required")
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}
	if *baseURL != "" {
		cfg.Deploy.BaseURL = *baseURL
	}

	client := deploy.NewClient(cfg.Deploy.BaseURL, cfg.DeployAPIKey())
	client.MaxPredictAttempts = cfg.Deploy.MaxPredictAttempts
	text, err := client.Predict(ctx, *model, *input)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, text)
	return nil
}

func runPartition(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("partition", stderr)
	src := fs.String("src", "", "Corpus directory to partition. Required.")
	dst := fs.String("dst", "", "Directory to write the partitions to. Required.")
	lines := fs.Int("lines", partition.DefaultLinesPerFile, "Lines per partition.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *src == "" || *dst == "" {
		fs.Usage()
		return usagef("--src and --dst are required")
	}
	if *lines <= 0 {
		return usagef("--lines must be positive, got %d", *lines)
	}
	n, err := partition.Partition(*src, *dst, *lines)
	if err != nil {
		return err
	}
	klog.Background().Info("Partitioned corpus", "src", *src, "dst", *dst, "partitions", n)
	fmt.Fprintf(stdout, "%d partitions written to %s\n", n, *dst)
	return nil
}

func runSample(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sample", stderr)
	configPath := fs.String("config", "", "YAML configuration file.")
	dir := fs.String("dir", "", "Directory of partitions written by 'tweetgen partition'. Required.")
	seed := fs.Uint64("seed", 0, "Seed of the random choice. 0 picks a new one each time.")
	textField := fs.String("text-field", "", "JSON field holding the post text, overriding dataset.text_field.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *dir == "" {
		fs.Usage()
		return usagef("--dir is required")
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}
	field := cfg.Dataset.TextField
	if *textField != "" {
		field = *textField
	}
	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}
	line, err := partition.Sample(*dir, rand.New(rand.NewPCG(s, s)))
	if err != nil {
		return err
	}
	text, err := dataset.PostText(line.Text, field)
	if err != nil {
		return &dataset.ParseError{Path: line.Path, Line: line.Number, Err: err}
	}
	fmt.Fprintln(stdout, text)
	return nil
}

func runRuns(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("runs", stderr)
	configPath := fs.String("config", "", "YAML configuration file.")
	registryPath := fs.String("registry", "", "SQLite run registry, overriding registry.path.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}
	if *registryPath != "" {
		cfg.Registry.Path = *registryPath
	}
	if cfg.Registry.Path == "" {
		return usagef("no run registry configured")
	}

	reg, err := registry.Open(files.ReplaceTildeInDir(cfg.Registry.Path))
	if err != nil {
		return err
	}
	defer reg.Close()
	runs, err := reg.List()
	if err != nil {
		return err
	}
	sum := newSummary(fmt.Sprintf("%d runs", len(runs)))
	for _, run := range runs {
		value := fmt.Sprintf("%-9s %s  windows=%d", run.Stage, run.CreatedAt.Format(time.DateTime), run.NumWindows)
		if run.Error != "" {
			value += "  error: " + run.Error
		}
		sum.add(run.Name, value)
	}
	sum.render(stdout)
	return nil
}
