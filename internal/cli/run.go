package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	tricrf "github.com/usptact/TriCRF"
	"github.com/usptact/TriCRF/crf"
	"github.com/usptact/TriCRF/internal/config"
	"github.com/usptact/TriCRF/internal/eval"
)

// configurable lists the flags a configuration file may set. Explicit
// command-line flags win over the file.
var configurable = []string{
	"mode", "model-type", "train", "dev", "test", "model", "output", "log",
	"iter", "l2", "l1", "l1-c", "init", "init-iter", "tied-k", "prune",
	"threads", "confidence",
}

func (c *CLI) applyConfig(cmd *cobra.Command) error {
	if c.opts.configPath == "" {
		return nil
	}
	cfg, err := config.Load(c.opts.configPath)
	if err != nil {
		return err
	}
	for _, name := range configurable {
		if cmd.Flags().Changed(name) || !cfg.Has(name) {
			continue
		}
		if err := cmd.Flags().Set(name, cfg.Get(name)); err != nil {
			return fmt.Errorf("%w: key %q: %v", config.ErrParse, name, err)
		}
	}
	slog.Debug("Configuration applied", "path", cfg.Path())
	return nil
}

func (c *CLI) trainConfig(modelType tricrf.ModelType) crf.TrainConfig {
	cfg := crf.DefaultTrainConfig()
	cfg.Iterations = c.opts.iter
	cfg.Sigma = c.opts.l2
	cfg.L1 = c.opts.l1
	cfg.C = c.opts.l1C
	if c.opts.initMethod == "PL" {
		cfg.Init = "PL"
	}
	cfg.InitIter = c.opts.initIter
	// Transition tying is a TriCRF3 feature; other variants ignore the flag.
	if modelType == tricrf.TriCRF3 {
		cfg.TiedK = c.opts.tiedK
	}
	cfg.Prune = c.opts.prune
	cfg.Threads = c.opts.threads
	return cfg
}

func (c *CLI) run(cmd *cobra.Command) error {
	logPath := c.opts.logPath
	if err := c.applyConfig(cmd); err != nil {
		return err
	}
	// A log file named in the configuration file replaces the logging set
	// up before the file was read.
	if c.opts.logPath != logPath {
		c.initialized = false
		c.initApp()
	}

	switch c.opts.mode {
	case "train", "test", "both":
	default:
		return fmt.Errorf("%w: unknown mode %q", crf.ErrParse, c.opts.mode)
	}
	modelType, err := tricrf.ParseModelType(c.opts.modelType)
	if err != nil {
		return err
	}
	model := tricrf.New(modelType)
	if me, ok := model.(*crf.MaxEnt); ok && c.opts.prune > 0 {
		me.SetPrune(c.opts.prune)
	}

	if c.opts.mode == "train" || c.opts.mode == "both" {
		if c.opts.trainPath == "" {
			return fmt.Errorf("%w: --train is required in mode %q", crf.ErrParse, c.opts.mode)
		}
		if err := model.ReadTrainData(c.opts.trainPath); err != nil {
			return err
		}
		if c.opts.devPath != "" {
			if err := model.ReadDevData(c.opts.devPath); err != nil {
				return err
			}
		}
		start := time.Now()
		if err := model.Train(c.trainConfig(modelType)); err != nil {
			return err
		}
		slog.Info("Training completed", "duration", time.Since(start))
		if err := model.SaveModel(c.opts.modelPath); err != nil {
			return err
		}
		slog.Info("Model saved", "path", c.opts.modelPath)
	}

	if c.opts.mode == "test" || c.opts.mode == "both" {
		if c.opts.testPath == "" {
			return fmt.Errorf("%w: --test is required in mode %q", crf.ErrParse, c.opts.mode)
		}
		if c.opts.mode == "test" {
			if err := model.LoadModel(c.opts.modelPath); err != nil {
				return err
			}
			slog.Info("Model loaded", "path", c.opts.modelPath)
		}
		start := time.Now()
		result, err := model.Test(c.opts.testPath, c.opts.outputPath, c.opts.confidence)
		if err != nil {
			return err
		}
		slog.Debug("Decoding completed", "duration", time.Since(start))
		printResult(result)
	}
	return nil
}

func printResult(r *eval.Result) {
	if r.TopicTotal > 0 {
		fmt.Printf("Topic accuracy: %.2f%% (%d/%d)\n",
			r.TopicAccuracy*100, r.TopicCorrect, r.TopicTotal)
	}
	if r.TokenTotal > 0 {
		fmt.Printf("Token accuracy: %.2f%% (%d/%d)\n",
			r.TokenAccuracy*100, r.TokenCorrect, r.TokenTotal)
		fmt.Printf("Sequence accuracy: %.2f%% (%d/%d)\n",
			r.SequenceAccuracy*100, r.SequenceCorrect, r.SequenceTotal)
	}
	if r.ChunkF1 > 0 {
		fmt.Printf("Chunk precision: %.2f%%  recall: %.2f%%  F1: %.2f%%\n",
			r.ChunkPrecision*100, r.ChunkRecall*100, r.ChunkF1*100)
	}
	if len(r.Classes) > 0 {
		fmt.Printf("\nPer-class metrics:\n")
		fmt.Printf("%24s  %6s  %6s  %6s  %7s\n", "label", "prec", "recall", "f1", "support")
		for _, cs := range r.Classes {
			fmt.Printf("%24s  %5.1f%%  %5.1f%%  %5.1f%%  %7d\n",
				cs.Label, cs.Precision*100, cs.Recall*100, cs.F1*100, cs.Support)
		}
	}
}
