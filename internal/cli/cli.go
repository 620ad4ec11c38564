// Package cli implements the tricrf command-line tool.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// options carries every tool setting; the flag set and the configuration
// file both write into it.
type options struct {
	mode      string
	modelType string

	trainPath  string
	devPath    string
	testPath   string
	modelPath  string
	outputPath string
	logPath    string
	configPath string

	iter       int
	l2         float64
	l1         bool
	l1C        float64
	initMethod string
	initIter   int
	tiedK      float64
	prune      float64
	threads    int
	confidence bool
}

// CLI encapsulates the command-line interface with its dependencies.
type CLI struct {
	version     string
	verbose     bool
	silent      bool
	initialized bool
	rootCmd     *cobra.Command
	opts        options
}

// New creates a new CLI instance with the given version string.
func New(version string) *CLI {
	c := &CLI{version: version}
	c.setupCommands()
	return c
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:     "tricrf",
		Short:   "Train and apply triangular-chain CRF sequence labelers",
		Version: c.version,
		Example: `  tricrf --mode both --model-type TriCRF2 --train train.txt --test test.txt --model model.bin
  tricrf --mode test --model-type CRF --model model.bin --test test.txt --output pred.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.initApp()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}

	pf := c.rootCmd.PersistentFlags()
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose/debug output")
	pf.BoolVarP(&c.silent, "silent", "s", false, "Suppress all logging")

	f := c.rootCmd.Flags()
	f.StringVar(&c.opts.mode, "mode", "both", "Run mode: train, test or both")
	f.StringVar(&c.opts.modelType, "model-type", "TriCRF2", "Model variant: MaxEnt, CRF, TriCRF1, TriCRF2 or TriCRF3")
	f.StringVar(&c.opts.trainPath, "train", "", "Training data file")
	f.StringVar(&c.opts.devPath, "dev", "", "Held-out data file for per-iteration monitoring")
	f.StringVar(&c.opts.testPath, "test", "", "Test data file")
	f.StringVar(&c.opts.modelPath, "model", "model.bin", "Model file")
	f.StringVar(&c.opts.outputPath, "output", "", "Prediction output file")
	f.StringVar(&c.opts.logPath, "log", "", "Log file (stderr when empty)")
	f.StringVar(&c.opts.configPath, "config", "", "Configuration file with key = value lines")
	f.IntVar(&c.opts.iter, "iter", 100, "Optimizer iteration budget")
	f.Float64Var(&c.opts.l2, "l2", 20, "Gaussian prior scale for L2 penalization, penalty 1/σ² (0 disables)")
	f.BoolVar(&c.opts.l1, "l1", false, "Enable orthant-wise L1 penalization")
	f.Float64Var(&c.opts.l1C, "l1-c", 1.0, "L1 penalty weight")
	f.StringVar(&c.opts.initMethod, "init", "none", "Initialization: none or PL (pseudo-likelihood)")
	f.IntVar(&c.opts.initIter, "init-iter", 30, "Pseudo-likelihood warm-start iterations")
	f.Float64Var(&c.opts.tiedK, "tied-k", 0, "Tied-potential count threshold (TriCRF3; 0 disables)")
	f.Float64Var(&c.opts.prune, "prune", 0, "Prune threshold (accepted, no effect)")
	f.IntVar(&c.opts.threads, "threads", 1, "Parallel gradient workers")
	f.BoolVar(&c.opts.confidence, "confidence", false, "Emit posterior probabilities with predictions")
}

// Run executes the CLI and returns any error.
func (c *CLI) Run() error {
	return c.rootCmd.Execute()
}

// initApp initializes logging.
func (c *CLI) initApp() {
	if c.initialized {
		return
	}
	c.initialized = true

	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	if c.silent {
		level = slog.Level(100)
	}
	out := os.Stderr
	if c.opts.logPath != "" {
		if f, err := os.Create(c.opts.logPath); err == nil {
			out = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}
