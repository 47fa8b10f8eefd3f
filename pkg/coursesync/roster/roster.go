// Copyright 2024-2026 Aiku AI

// Package roster reads course rosters exported by the LMS scraper.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aiku/matrix-coursesync/pkg/coursesync"
)

// File is a roster export: the acting user and the courses to sync.
type File struct {
	UserID  string              `json:"user_id" yaml:"user_id"`
	Courses []coursesync.Course `json:"courses" yaml:"courses"`
}

// Load reads a roster from a .json, .yaml or .yml file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	var file File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported roster format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid roster %s: %w", path, err)
	}
	return &file, nil
}

// Validate checks that every course has a name.
func (f *File) Validate() error {
	for i, course := range f.Courses {
		if strings.TrimSpace(course.Name) == "" {
			return fmt.Errorf("course %d (id %q) has no name", i, course.ID)
		}
	}
	return nil
}
