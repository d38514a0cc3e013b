package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultAllowedPackages are the stdlib packages interpreted code may import.
// Nothing that reaches the filesystem, network, processes or unsafe memory.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

const defaultMaxOutput = 64 << 10

type YaegiConfig struct {
	AllowedPackages []string
	// MaxOutputBytes caps captured stdout+stderr. Zero means 64KiB.
	MaxOutputBytes int
}

// YaegiRunner interprets Go source in-process. Every Run gets a fresh
// interpreter that only sees the allowed stdlib symbols and cannot load
// packages from disk.
type YaegiRunner struct {
	symbols   interp.Exports
	maxOutput int
}

func NewYaegiRunner(cfg YaegiConfig) *YaegiRunner {
	allowed := cfg.AllowedPackages
	if len(allowed) == 0 {
		allowed = DefaultAllowedPackages
	}
	allow := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		allow[p] = true
	}
	symbols := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		// keys look like "encoding/json/json": import path, then package name
		idx := strings.LastIndex(key, "/")
		if idx <= 0 || !allow[key[:idx]] {
			continue
		}
		symbols[key] = syms
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &YaegiRunner{symbols: symbols, maxOutput: maxOutput}
}

// Packages lists the import paths visible to interpreted code.
func (y *YaegiRunner) Packages() []string {
	out := make([]string, 0, len(y.symbols))
	for key := range y.symbols {
		out = append(out, key[:strings.LastIndex(key, "/")])
	}
	return out
}

// Run evaluates source: a complete "package main" program, whose main is
// run, or a fragment of statements. The error from a failed evaluation
// includes anything the program printed before failing.
func (y *YaegiRunner) Run(ctx context.Context, source string) (out string, err error) {
	buf := &cappedBuffer{limit: y.maxOutput}
	i := interp.New(interp.Options{
		Stdout:               buf,
		Stderr:               buf,
		SourcecodeFilesystem: noSources{},
	})
	if err := i.Use(y.symbols); err != nil {
		return "", fmt.Errorf("load symbols: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			out = buf.String()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if _, err := i.EvalWithContext(ctx, source); err != nil {
		if printed := buf.String(); printed != "" {
			return printed, fmt.Errorf("%w\n%s", err, printed)
		}
		return "", err
	}
	return buf.String(), nil
}

type noSources struct{}

func (noSources) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// cappedBuffer drops writes past limit but reports them as written so the
// interpreted program does not see I/O errors.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
