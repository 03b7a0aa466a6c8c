// ABOUTME: Reads .env files into a layered variable source consulted after the process environment.
// ABOUTME: Nothing is written back to the environment; Config.ApplyEnv reads through Env.Lookup.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Env resolves variables from the process environment first, then from
// .env files in the order they were added. Earlier files win.
type Env struct {
	lookup func(string) (string, bool)
	files  []map[string]string
	paths  []string
}

// NewEnv returns an Env backed by lookup. A nil lookup uses os.LookupEnv.
func NewEnv(lookup func(string) (string, bool)) *Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Env{lookup: lookup}
}

// DiscoverEnv layers every .env file from the working directory up to the
// filesystem root, then the one next to the executable, over os.LookupEnv.
// Unreadable files are logged to stderr and skipped.
func DiscoverEnv() *Env {
	env := NewEnv(nil)
	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			candidates = append(candidates, filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ".env"))
	}
	for _, p := range candidates {
		if err := env.AddFile(p); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	return env
}

// AddFile layers the .env file at path under the sources already added.
// A missing file or one already added is ignored.
func (e *Env) AddFile(path string) error {
	for _, p := range e.paths {
		if p == path {
			return nil
		}
	}
	values, err := ReadDotEnv(path)
	if err != nil {
		return err
	}
	if values == nil {
		return nil
	}
	e.paths = append(e.paths, path)
	e.files = append(e.files, values)
	return nil
}

// Lookup implements the lookup signature ApplyEnv expects.
func (e *Env) Lookup(key string) (string, bool) {
	if v, ok := e.lookup(key); ok {
		return v, true
	}
	for _, values := range e.files {
		if v, ok := values[key]; ok {
			return v, true
		}
	}
	return "", false
}

// Files lists the .env files that contributed values.
func (e *Env) Files() []string {
	return append([]string(nil), e.paths...)
}

// ReadDotEnv parses KEY=VALUE lines with optional quotes and "export "
// prefix. Comments, blank lines and lines without '=' are skipped. A missing
// file returns nil values and no error.
func ReadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open env file %q: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		if _, dup := values[key]; !dup {
			values[key] = unquote(strings.TrimSpace(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file %q: %w", path, err)
	}
	return values, nil
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if q := v[0]; (q == '"' || q == '\'') && v[len(v)-1] == q {
		return v[1 : len(v)-1]
	}
	return v
}
