// Package tfvars writes the provisioning parameter descriptor consumed by
// the pipeline-backed create path.
package tfvars

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"infra-agent/internal/domain"
)

// Writer rewrites one descriptor file. The file is a handoff contract: the
// pipeline reads it as its provisioning parameters, so every write replaces
// the whole document rather than merging.
type Writer struct {
	path string
}

func NewWriter(path string) (*Writer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tfvars: path must not be empty")
	}
	return &Writer{path: path}, nil
}

// Write overwrites the descriptor with the given parameters.
func (w *Writer) Write(vars domain.ProvisionVars) error {
	if vars.Region == "" || vars.ImageID == "" || vars.InstanceType == "" {
		return errors.New("tfvars: region, image and instance type are all required")
	}
	raw, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("tfvars: marshal: %w", err)
	}
	if err := os.WriteFile(w.path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("tfvars: write %s: %w", w.path, err)
	}
	return nil
}
