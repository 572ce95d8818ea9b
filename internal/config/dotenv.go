package config

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// LoadDotEnv reads KEY=VALUE lines from path into the process environment.
// '#' starts a comment line, an "export " prefix is accepted and matching
// single or double quotes around the value are stripped. Variables already
// set win unless override is true.
func LoadDotEnv(path string, override bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set && !override {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return n, err
		}
		n++
	}
	return n, s.Err()
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		if q := val[0]; (q == '"' || q == '\'') && val[len(val)-1] == q {
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}

// LoadDotEnvDefault loads ".env" from each directory in order, then from the
// working directory and the executable's directory. Missing files are
// skipped and existing variables are never overridden.
func LoadDotEnvDefault(dirs ...string) {
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, d := range dirs {
		p := filepath.Join(d, ".env")
		n, err := LoadDotEnv(p, false)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			log.Warn().Str("component", "config").Str("path", p).Err(err).Msg("failed to read .env")
		case n > 0:
			log.Debug().Str("component", "config").Str("path", p).Int("vars", n).Msg("loaded .env")
		}
	}
}
