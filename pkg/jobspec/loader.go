package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxInputBytes caps the size of a single job description.
const MaxInputBytes = 16 << 20

// ErrEmptyInput indicates no job description was delivered.
var ErrEmptyInput = errors.New("job description is empty")

// Read reads exactly one job description from r.
//
// The stream is read until it is closed; the whole payload must be a single
// JSON object. Input larger than MaxInputBytes is rejected.
func Read(r io.Reader) (*Description, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read job description: %w", err)
	}
	if len(data) > MaxInputBytes {
		return nil, fmt.Errorf("job description exceeds %d bytes", MaxInputBytes)
	}
	return Parse(data, "")
}

// Load reads and validates a job description from the given file path.
//
// Files ending in .yaml/.yml are converted to JSON before validation; any
// other extension is treated as JSON.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job description file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job description: %s", path)
		}
		return nil, fmt.Errorf("failed to read job description file: %w", err)
	}
	if len(data) > MaxInputBytes {
		return nil, fmt.Errorf("job description exceeds %d bytes", MaxInputBytes)
	}
	return Parse(data, path)
}

// Parse decodes and validates a job description.
//
// The path parameter is only used for format detection. A missing groupId is
// reported as ErrMissingGroupID before schema validation runs, so callers can
// classify it without inspecting schema diagnostics.
func Parse(data []byte, path string) (*Description, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyInput
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var desc Description
	if err := json.Unmarshal(jsonData, &desc); err != nil {
		return nil, fmt.Errorf("invalid JSON in job description: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	desc.GroupID = strings.TrimSpace(desc.GroupID)
	return &desc, nil
}

// toJSON converts YAML input to JSON; JSON input is returned as-is.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		return data, nil
	}
}

// yamlToJSON converts YAML data to JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job description: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job description to JSON: %w", err)
	}
	return jsonData, nil
}
