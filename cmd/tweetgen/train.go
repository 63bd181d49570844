package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/dataset"
	"github.com/tweetgen/tweetgen/deploy"
	"github.com/tweetgen/tweetgen/internal/config"
	"github.com/tweetgen/tweetgen/internal/files"
	"github.com/tweetgen/tweetgen/models/safetensors"
	"github.com/tweetgen/tweetgen/registry"
	"github.com/tweetgen/tweetgen/source"
	"github.com/tweetgen/tweetgen/tokenizers"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"github.com/tweetgen/tweetgen/train"
	"k8s.io/klog/v2"
)

// datasetCacheDir is the sub-directory of the output directory holding dataset caches, so they
// are not mistaken for model weights.
const datasetCacheDir = "dataset"

type trainFlags struct {
	configPath    string
	runName       string
	dataPath      string
	epochs        int
	saveSteps     int
	batchSize     int
	outputDir     string
	seed          uint64
	blockSize     int
	textField     string
	sortFiles     bool
	cache         bool
	exportDir     string
	tokenizerFile string
	registryPath  string
	prepareOnly   bool
	noDeploy      bool
}

func (f *trainFlags) register(fs *flag.FlagSet) {
	defaults := config.Default()
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file. Defaults to tweetgen.yaml or configs/tweetgen.yaml, if present.")
	fs.StringVar(&f.runName, "run-name", "", "A unique name to distinguish this training run from others (e.g. a timestamp). Required.")
	fs.StringVar(&f.dataPath, "data-path", "", "A directory of JSON-lines post files to train on. "+
		"If this is an s3://bucket/prefix path, the data is downloaded to a temporary directory first. Required.")
	fs.IntVar(&f.epochs, "epochs", defaults.Train.Epochs, "Number of training epochs.")
	fs.IntVar(&f.saveSteps, "save-steps", defaults.Train.SaveSteps, "Save a checkpoint every this many steps.")
	fs.IntVar(&f.batchSize, "batch-size", defaults.Train.BatchSize, "Training batch size.")
	fs.StringVar(&f.outputDir, "output-dir", defaults.Train.OutputDir, "Directory for checkpoints and the dataset cache.")
	fs.Uint64Var(&f.seed, "seed", defaults.Dataset.Seed, "Seed for shuffling and training.")
	fs.IntVar(&f.blockSize, "block-size", defaults.Dataset.BlockSize, "Number of tokens per training window.")
	fs.StringVar(&f.textField, "text-field", defaults.Dataset.TextField, "JSON field holding the post text.")
	fs.BoolVar(&f.sortFiles, "sort-files", defaults.Dataset.SortFiles, "Read corpus files in name order, instead of directory order.")
	fs.BoolVar(&f.cache, "cache", defaults.Dataset.Cache, "Write the token stream to {output-dir}/dataset/{run-name}.safetensors.")
	fs.StringVar(&f.exportDir, "export-dir", "", "If set, also export the dataset blocks to {export-dir}/{run-name}.parquet.")
	fs.StringVar(&f.tokenizerFile, "tokenizer", "", "Local tokenizer.json or tokenizer.model, instead of the configured hub model.")
	fs.StringVar(&f.registryPath, "registry", defaults.Registry.Path, "SQLite run registry. Empty disables it.")
	fs.BoolVar(&f.prepareOnly, "prepare-only", false, "Prepare and cache the dataset, but don't train or deploy.")
	fs.BoolVar(&f.noDeploy, "no-deploy", false, "Train, but don't deploy the trained model.")
}

// apply overrides the configuration with the flags given on the command line.
func (f *trainFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["epochs"] {
		cfg.Train.Epochs = f.epochs
	}
	if set["save-steps"] {
		cfg.Train.SaveSteps = f.saveSteps
	}
	if set["batch-size"] {
		cfg.Train.BatchSize = f.batchSize
	}
	if set["output-dir"] {
		cfg.Train.OutputDir = f.outputDir
	}
	if set["seed"] {
		cfg.Dataset.Seed = f.seed
	}
	if set["block-size"] {
		cfg.Dataset.BlockSize = f.blockSize
	}
	if set["text-field"] {
		cfg.Dataset.TextField = f.textField
	}
	if set["sort-files"] {
		cfg.Dataset.SortFiles = f.sortFiles
	}
	if set["cache"] {
		cfg.Dataset.Cache = f.cache
	}
	if set["export-dir"] {
		cfg.Dataset.ExportDir = f.exportDir
	}
	if set["tokenizer"] {
		cfg.Tokenizer.File = f.tokenizerFile
	}
	if set["registry"] {
		cfg.Registry.Path = f.registryPath
	}
	if f.noDeploy {
		cfg.Deploy.Enabled = false
	}
}

func runTrain(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("train", stderr)
	var f trainFlags
	f.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if f.runName == "" || f.dataPath == "" {
		fs.Usage()
		return usagef("--run-name and --data-path are required")
	}

	cfg, err := loadConfig(fs, f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg, visited(fs))
	if err := cfg.Validate(); err != nil {
		return &configError{err}
	}

	trainArgs := train.Arguments{
		RunName:   f.runName,
		DataPath:  f.dataPath,
		Epochs:    cfg.Train.Epochs,
		SaveSteps: cfg.Train.SaveSteps,
		BatchSize: cfg.Train.BatchSize,
		OutputDir: cfg.Train.OutputDir,
		Seed:      cfg.Dataset.Seed,
	}
	if err := trainArgs.Validate(); err != nil {
		return &usageError{err}
	}
	summary, err := trainPipeline(ctx, cfg, trainArgs, f.prepareOnly)
	if summary != nil {
		summary.render(stdout)
	}
	return err
}

// trainPipeline runs every stage of a run: resolve the data path, build the dataset, train and
// deploy. The summary is returned even on failure, with the stages completed so far.
func trainPipeline(ctx context.Context, cfg *config.Config, args train.Arguments, prepareOnly bool) (sum *summary, err error) {
	runID := uuid.NewString()
	logger := klog.LoggerWithValues(klog.Background(), "run", args.RunName, "run_id", runID)
	sum = newSummary("tweetgen run " + args.RunName)
	sum.add("run id", runID)
	sum.add("data path", args.DataPath)

	// Fail on missing configuration before the slow stages.
	var driver train.Driver = train.DryRunDriver{Logger: logger}
	deployEnabled := cfg.Deploy.Enabled && !prepareOnly
	if !prepareOnly {
		if len(cfg.Train.Command) == 0 {
			return sum, &configError{errors.New("train.command is not configured; use --prepare-only to only prepare the dataset")}
		}
		driver = &train.CommandDriver{
			Command: cfg.Train.Command,
			Env:     []string{"TWEETGEN_RUN_ID=" + runID},
			Logger:  logger,
		}
	}
	if deployEnabled && cfg.Deploy.BaseURL == "" {
		return sum, &configError{errors.New("deploy.base_url is not configured; use --no-deploy to skip deployment")}
	}

	if cfg.Registry.Path != "" {
		reg, openErr := registry.Open(files.ReplaceTildeInDir(cfg.Registry.Path))
		if openErr != nil {
			return sum, openErr
		}
		defer reg.Close()
		run := registry.Run{Name: args.RunName, ID: runID, DataPath: args.DataPath, BlockSize: cfg.Dataset.BlockSize}
		if _, beginErr := reg.Begin(run); beginErr != nil {
			return sum, beginErr
		}
		defer func() {
			if err == nil {
				return
			}
			if updateErr := reg.Update(args.RunName, registry.StageFailed, registry.Fields{Error: err.Error()}); updateErr != nil {
				logger.Error(updateErr, "Failed to record run failure")
			}
		}()
		sum.onStage = func(stage registry.Stage, fields registry.Fields) error {
			return reg.Update(args.RunName, stage, fields)
		}
	}

	prepared, err := prepareDataset(ctx, cfg, args, runID, logger)
	if err != nil {
		return sum, err
	}
	args.DatasetFile = prepared.cacheFile
	sum.add("tokenizer", prepared.tokenizerName)
	sum.add("vocab size", prepared.tok.VocabSize())
	sum.add("records", prepared.numRecords)
	sum.add("tokens", prepared.view.Len())
	sum.add("windows", prepared.view.Size())
	sum.add("block size", prepared.view.BlockSize())
	sum.add("batch shape", prepared.batchShape)
	if prepared.cacheFile != "" {
		sum.add("dataset cache", prepared.cacheFile)
	}
	if prepared.exportFile != "" {
		sum.add("parquet export", prepared.exportFile)
	}
	err = sum.stage(registry.StagePrepared, registry.Fields{
		NumRecords:  prepared.numRecords,
		NumTokens:   prepared.view.Len(),
		NumWindows:  prepared.view.Size(),
		DatasetFile: prepared.cacheFile,
	})
	if err != nil || prepareOnly {
		return sum, err
	}

	artifactDir, err := driver.Train(ctx, args, prepared.view)
	if err != nil {
		return sum, err
	}
	sum.add("artifact", artifactDir)
	if err := sum.stage(registry.StageTrained, registry.Fields{ArtifactDir: artifactDir}); err != nil {
		return sum, err
	}
	if !deployEnabled {
		return sum, nil
	}

	artifact, err := safetensors.Inspect(artifactDir)
	if err != nil {
		return sum, errors.WithMessage(err, "trained artifact")
	}
	client := deploy.NewClient(cfg.Deploy.BaseURL, cfg.DeployAPIKey())
	client.Logger = logger
	deployment, err := client.Deploy(ctx, deploy.Request{
		ModelName:        args.RunName,
		ArtifactDir:      artifactDir,
		Resources:        deploy.Resources{MemoryMB: cfg.Deploy.MemoryMB, CPUUnits: cfg.Deploy.CPUUnits},
		WaitUntilHealthy: cfg.Deploy.WaitUntilHealthy,
		Artifact:         artifact,
		RequestID:        runID,
	})
	if err != nil {
		return sum, err
	}
	sum.add("deployment", deployment.ModelName+" ("+deployment.Status+")")
	return sum, sum.stage(registry.StageDeployed, registry.Fields{})
}

type preparedDataset struct {
	tok           api.TokenizerWithSpecialTokens
	tokenizerName string
	view          *dataset.View
	numRecords    int
	batchShape    string
	cacheFile     string
	exportFile    string
}

// prepareDataset builds the windowed dataset of the run, and writes its cache and export.
func prepareDataset(ctx context.Context, cfg *config.Config, args train.Arguments, runID string, logger klog.Logger) (*preparedDataset, error) {
	resolved, err := source.Resolve(ctx, args.DataPath, source.Options{
		ScratchDir: cfg.Source.ScratchDir,
		Endpoint:   cfg.Source.S3Endpoint,
		Region:     cfg.Source.S3Region,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resolved.Cleanup(); err != nil {
			logger.Error(err, "Failed to remove downloaded data", "dir", resolved.Dir)
		}
	}()

	tok, err := tokenizers.New(cfg.TokenizerSource())
	if err != nil {
		return nil, &configError{errors.WithMessage(err, "loading tokenizer")}
	}
	if _, err := tokenizers.RegisterSentinels(tok, cfg.SentinelTokens(), logger); err != nil {
		return nil, &configError{err}
	}
	start, end, err := dataset.SentinelsFrom(tok)
	if err != nil {
		return nil, err
	}

	loader := dataset.NewLoader(
		dataset.WithLogger(logger),
		dataset.WithTextField(cfg.Dataset.TextField),
		dataset.WithSortedFiles(cfg.Dataset.SortFiles))
	records, err := loader.Load(resolved.Dir, start, end)
	if err != nil {
		return nil, err
	}
	view, err := dataset.Build(tok, records, cfg.Dataset.BlockSize, logger)
	if err != nil {
		return nil, err
	}
	prepared := &preparedDataset{
		tok:           tok,
		tokenizerName: tokenizerName(cfg),
		view:          view,
		numRecords:    len(records),
	}

	// Collate a first batch, as the trainer will, to catch mismatched shapes early.
	padID, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return nil, err
	}
	batch, err := firstBatch(view, cfg.Dataset.Seed, cfg.Train.BatchSize, int32(padID))
	if err != nil {
		return nil, err
	}
	prepared.batchShape = batch.InputIDs.Shape().String()
	logger.V(1).Info("First batch", "input_ids", prepared.batchShape, "labels", batch.Labels.Shape().String())

	if cfg.Dataset.Cache {
		prepared.cacheFile = dataset.CachePath(filepath.Join(args.OutputDir, datasetCacheDir), args.RunName)
		meta := map[string]string{
			"run_name":       args.RunName,
			"run_id":         runID,
			"data_path":      args.DataPath,
			"tokenizer":      prepared.tokenizerName,
			"vocab_size":     strconv.Itoa(tok.VocabSize()),
			"start_sentinel": start,
			"end_sentinel":   end,
		}
		if err := dataset.WriteCache(prepared.cacheFile, view, meta); err != nil {
			return nil, err
		}
		logger.Info("Wrote dataset cache", "path", prepared.cacheFile)
	}
	if cfg.Dataset.ExportDir != "" {
		if err := os.MkdirAll(cfg.Dataset.ExportDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create export directory %s", cfg.Dataset.ExportDir)
		}
		prepared.exportFile = filepath.Join(cfg.Dataset.ExportDir, args.RunName+".parquet")
		if err := dataset.ExportParquet(prepared.exportFile, view); err != nil {
			return nil, err
		}
		logger.Info("Exported dataset", "path", prepared.exportFile)
	}
	return prepared, nil
}

// firstBatch collates the first shuffled batch of the view.
func firstBatch(view *dataset.View, seed uint64, batchSize int, padID int32) (*dataset.Batch, error) {
	batches, err := dataset.NewSampler(view, seed, true).Batches(0, batchSize)
	if err != nil {
		return nil, err
	}
	collator := &dataset.Collator{BlockSize: view.BlockSize(), PadID: padID}
	for indices := range batches {
		return collator.CollateIndices(view, indices)
	}
	return nil, errors.New("dataset has no windows")
}

func tokenizerName(cfg *config.Config) string {
	if cfg.Tokenizer.File != "" {
		return cfg.Tokenizer.File
	}
	return cfg.Tokenizer.ModelID + "@" + cfg.Tokenizer.Revision
}
