// Package commands implements the utility subcommands that .botster
// scripts call back into through BOTSTER_HUB_BIN.
//
// Agent init scripts routinely need to read and edit JSON settings files
// (tool configuration, editor state) without depending on jq being
// installed in the worktree; `botster-hub json get|set|delete` covers
// that with dot-notation paths.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// splitKeyPath parses a dot-notation path, dropping empty segments.
func splitKeyPath(keyPath string) ([]string, error) {
	var segments []string
	for _, seg := range strings.Split(keyPath, ".") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty key path")
	}
	return segments, nil
}

// loadJSON reads and parses a JSON file, expanding a leading ~.
func loadJSON(filePath string) (string, map[string]any, error) {
	filePath = expandHome(filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return "", nil, fmt.Errorf("failed to parse %s as JSON: %w", filePath, err)
	}
	return filePath, root, nil
}

// saveJSON writes a JSON document atomically (write-temp-then-rename),
// matching every other file this hub persists.
func saveJSON(filePath string, root map[string]any) error {
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize JSON: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to commit %s: %w", filePath, err)
	}
	return nil
}

// descend walks to the object holding the final segment. With create set,
// missing intermediate objects are created; otherwise they are errors.
func descend(root map[string]any, segments []string, create bool) (map[string]any, error) {
	current := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg]
		if !ok {
			if !create {
				return nil, fmt.Errorf("key %q not found", seg)
			}
			child := make(map[string]any)
			current[seg] = child
			current = child
			continue
		}

		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("key %q is not an object", seg)
		}
		current = child
	}
	return current, nil
}

// JSONGet reads a value by dot-notation path and returns it as
// pretty-printed JSON.
func JSONGet(filePath, keyPath string) (string, error) {
	segments, err := splitKeyPath(keyPath)
	if err != nil {
		return "", err
	}
	_, root, err := loadJSON(filePath)
	if err != nil {
		return "", err
	}

	parent, err := descend(root, segments, false)
	if err != nil {
		return "", fmt.Errorf("%w in path %q", err, keyPath)
	}

	last := segments[len(segments)-1]
	value, ok := parent[last]
	if !ok {
		return "", fmt.Errorf("key %q not found in path %q", last, keyPath)
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize value: %w", err)
	}
	return string(out), nil
}

// JSONSet writes a value by dot-notation path, creating intermediate
// objects as needed. The value is parsed as JSON first; anything that
// does not parse is stored as a string.
func JSONSet(filePath, keyPath, newValue string) error {
	segments, err := splitKeyPath(keyPath)
	if err != nil {
		return err
	}
	path, root, err := loadJSON(filePath)
	if err != nil {
		return err
	}

	parent, err := descend(root, segments, true)
	if err != nil {
		return fmt.Errorf("%w in path %q", err, keyPath)
	}

	var parsed any
	if err := json.Unmarshal([]byte(newValue), &parsed); err != nil {
		parsed = newValue
	}
	parent[segments[len(segments)-1]] = parsed

	return saveJSON(path, root)
}

// JSONDelete removes a key by dot-notation path.
func JSONDelete(filePath, keyPath string) error {
	segments, err := splitKeyPath(keyPath)
	if err != nil {
		return err
	}
	path, root, err := loadJSON(filePath)
	if err != nil {
		return err
	}

	parent, err := descend(root, segments, false)
	if err != nil {
		return fmt.Errorf("%w in path %q", err, keyPath)
	}

	last := segments[len(segments)-1]
	if _, ok := parent[last]; !ok {
		return fmt.Errorf("key %q not found in path %q", last, keyPath)
	}
	delete(parent, last)

	return saveJSON(path, root)
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
