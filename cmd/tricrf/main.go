package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/usptact/TriCRF/crf"
	"github.com/usptact/TriCRF/internal/cli"
	"github.com/usptact/TriCRF/internal/config"
	"github.com/usptact/TriCRF/optimize"
)

var version = "dev"

func main() {
	c := cli.New(version)
	err := c.Run()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "tricrf: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode maps error kinds onto the documented process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, crf.ErrParse), errors.Is(err, config.ErrParse):
		return 2
	case errors.Is(err, crf.ErrNumericBreakdown):
		return 3
	case errors.Is(err, crf.ErrOptimizerFailed), errors.Is(err, optimize.ErrLineSearch):
		return 4
	case errors.Is(err, crf.ErrCorruptModel), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return 1
	}
	return 1
}
