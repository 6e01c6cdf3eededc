package hashdive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Sink persists run output: one record file per target, plus an
// optional raw decoded-frame dump for debugging and replay.
type Sink struct {
	OutputDir string
	// when empty, frame dumps are disabled
	DebugDir string
}

func (s Sink) RecordPath(address string) string {
	return filepath.Join(s.OutputDir, address+".json")
}

func (s Sink) HasRecord(address string) bool {
	_, err := os.Stat(s.RecordPath(address))
	return err == nil
}

// WriteRecord persists a record, partial ones included, so a failed
// run is not silently lost.
func (s Sink) WriteRecord(record UserRecord) error {
	err := os.MkdirAll(s.OutputDir, 0o755)
	if err != nil {
		return err
	}
	contents, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.RecordPath(record.UserAddress), contents, 0o644)
}

func (s Sink) WriteFrameDump(address string, frames []map[string]any) error {
	if s.DebugDir == "" {
		return nil
	}
	dir := filepath.Join(s.DebugDir, address)
	// a refetch can produce fewer frames than the previous run, stale
	// higher numbered files would replay as part of the new dump
	err := os.RemoveAll(dir)
	if err != nil {
		return err
	}
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}
	for i, frame := range frames {
		contents, err := json.MarshalIndent(frame, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("message_%d.json", i))
		err = os.WriteFile(path, contents, 0o644)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFrameDump loads a frame dump back in arrival order, keyed off
// the numeric suffix of each message file.
func ReadFrameDump(dir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		index int
		name  string
	}
	var files []indexed
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "message_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "message_"), ".json"))
		if err != nil {
			continue
		}
		files = append(files, indexed{index: idx, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	frames := make([]map[string]any, 0, len(files))
	for _, file := range files {
		contents, err := os.ReadFile(filepath.Join(dir, file.name))
		if err != nil {
			return nil, err
		}
		var frame map[string]any
		err = json.Unmarshal(contents, &frame)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file.name, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
