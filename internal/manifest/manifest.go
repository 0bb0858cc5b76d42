// Package manifest loads the input lists written by the window-splitting
// step: continuum_mses.txt for continuum imaging and to_image.json for
// full-window imaging.
package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/contimg/pkg/types"
)

// Fixed manifest names, looked up in the working directory.
const (
	ContinuumFile = "continuum_mses.txt"
	LineFile      = "to_image.json"
)

// ErrNoManifest means neither manifest exists in the working directory.
var ErrNoManifest = errors.New("manifest: no continuum_mses.txt or to_image.json found")

// LoadContinuum reads one dataset path per line, whitespace-trimmed, in file
// order. Blank lines are ignored.
func LoadContinuum(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read continuum manifest: %w", err)
	}

	var mses []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		mses = append(mses, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan continuum manifest: %w", err)
	}

	return mses, nil
}

// LineManifest maps band -> field -> spectral window -> dataset paths.
type LineManifest map[string]map[string]map[string][]string

// Group is every split window of one field in one band.
type Group struct {
	Band  string
	Field string
	Vis   []string
}

// LoadLine decodes to_image.json. Nothing is returned unless the whole file
// decodes.
func LoadLine(path string) (LineManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read line manifest: %w", err)
	}

	var m LineManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse line manifest %s: %w", path, err)
	}

	return m, nil
}

// Groups flattens the manifest into (band, field) groups. Bands, fields and
// windows are visited in sorted key order so runs are reproducible. Groups
// with no datasets are dropped.
func (m LineManifest) Groups() []Group {
	var groups []Group
	for _, band := range sortedKeys(m) {
		fields := m[band]
		for _, field := range sortedKeys(fields) {
			windows := fields[field]
			var vis []string
			for _, spw := range sortedKeys(windows) {
				vis = append(vis, windows[spw]...)
			}
			if len(vis) == 0 {
				continue
			}
			groups = append(groups, Group{Band: band, Field: field, Vis: vis})
		}
	}
	return groups
}

// Detect picks the mode from which manifest is present in dir. The
// continuum manifest wins if both exist.
func Detect(dir string) (types.Mode, error) {
	if fileExists(filepath.Join(dir, ContinuumFile)) {
		return types.ModeContinuum, nil
	}
	if fileExists(filepath.Join(dir, LineFile)) {
		return types.ModeFullWindow, nil
	}
	return "", fmt.Errorf("%w in %s", ErrNoManifest, dir)
}

// PathFor returns the manifest path used by mode.
func PathFor(dir string, mode types.Mode) string {
	if mode == types.ModeFullWindow {
		return filepath.Join(dir, LineFile)
	}
	return filepath.Join(dir, ContinuumFile)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
