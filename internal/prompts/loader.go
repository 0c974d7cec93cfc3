// Package prompts provides externalized AI prompt templates, stored as
// JSON files and embedded at compile time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

var (
	cache   = make(map[string]map[string]string)
	cacheMu sync.RWMutex
)

// Get retrieves a prompt by filename and key. The filename should not
// include a path (e.g. "analysis.json").
func Get(filename, key string) (string, error) {
	entries, err := loadFile(filename)
	if err != nil {
		return "", err
	}
	prompt, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return prompt, nil
}

// MustGet retrieves a prompt, panicking if it is missing. Use for prompts
// required at initialization time.
func MustGet(filename, key string) string {
	prompt, err := Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return prompt
}

// Format replaces {{.Key}} placeholders with values from data.
func Format(prompt string, data map[string]string) string {
	for key, value := range data {
		prompt = strings.ReplaceAll(prompt, "{{."+key+"}}", value)
	}
	return prompt
}

func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	entries, ok := cache[filename]
	cacheMu.RUnlock()
	if ok {
		return entries, nil
	}

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("prompt file %s not found: %w", filename, err)
	}

	entries = make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = entries
	cacheMu.Unlock()
	return entries, nil
}
