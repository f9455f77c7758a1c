package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to anything read as configuration, whether from disk,
// the environment or the KV bucket.
const (
	maxConfigBytes = 10 << 20
	maxNesting     = 100
	maxEnvValue    = 10000
	maxPathLen     = 4096
)

// checkConfigPath accepts .json, .yaml and .yml files. Relative paths
// must stay under the working directory.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("config path is empty")
	case len(path) > maxPathLen:
		return fmt.Errorf("config path longer than %d bytes", maxPathLen)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("config file %s must be .json, .yaml or .yml", path)
	}

	if filepath.IsAbs(path) {
		return nil
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config path %s escapes the working directory", path)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxConfigBytes {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigBytes)
	}
	return data, nil
}

// writeConfigFile writes with owner-only permissions since layers may
// carry credentials.
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigBytes {
		return fmt.Errorf("config document exceeds %d bytes", maxConfigBytes)
	}
	return os.WriteFile(path, data, 0o600)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s is longer than %d bytes", key, maxEnvValue)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkNesting walks the JSON token stream and fails once objects and
// arrays nest deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("JSON nests deeper than %d levels", maxNesting)
			}
		case '}', ']':
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: %d unclosed levels", depth)
	}
	return nil
}
