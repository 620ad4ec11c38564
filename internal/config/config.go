// Package config parses line-oriented "key = value" configuration files.
// '#' starts a comment; values may span multiple tokens. The recognized
// keys mirror the command-line flags.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/usptact/TriCRF/internal/textutil"
)

// ErrParse reports a malformed configuration line.
var ErrParse = errors.New("config: parse error")

// Config is a parsed configuration file.
type Config struct {
	path   string
	values map[string][]string
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &Config{path: path, values: make(map[string][]string)}
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := textutil.StripComment(sc.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: %s:%d: missing '='", ErrParse, path, lineno)
		}
		key := strings.TrimSpace(line[:eq])
		if key == "" {
			return nil, fmt.Errorf("%w: %s:%d: empty key", ErrParse, path, lineno)
		}
		c.values[key] = textutil.Tokenize(line[eq+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Has reports whether the key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the value of a key with its tokens rejoined, or "".
func (c *Config) Get(key string) string {
	return strings.Join(c.values[key], " ")
}

// Tokens returns the individual value tokens of a key.
func (c *Config) Tokens(key string) []string { return c.values[key] }
