package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadTypeTable reads the ';'-separated model table. The first row is a
// header; every other row is model;tag. Extra columns are ignored.
func LoadTypeTable(r io.Reader) (map[string]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read type table header: %w", err)
	}

	types := make(map[string]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read type table: %w", err)
		}
		if len(record) < 2 {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("type table line %d: expected model;tag", line)
		}

		model := strings.TrimSpace(record[0])
		tag := strings.TrimSpace(record[1])
		if model == "" || tag == "" {
			continue
		}
		types[model] = tag
	}

	return types, nil
}

// LoadProfiles reads and validates the YAML profile table keyed by tag.
func LoadProfiles(r io.Reader) (map[string]*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile table: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]*Profile{}, nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if err := validator.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var docs map[string]profileDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profiles: %w", err)
	}

	profiles := make(map[string]*Profile, len(docs))
	for tag, d := range docs {
		p, err := d.toProfile(tag)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", tag, err)
		}
		profiles[tag] = p
	}

	return profiles, nil
}

// LoadFiles builds a registry from the type table and profile files. A
// missing file yields an empty table and a warning, matching how instruments
// without configuration are handled at acquisition time.
func LoadFiles(typesPath, profilesPath string, logger *zap.Logger) (*Registry, error) {
	logger = logger.Named("registry")

	types := map[string]string{}
	if typesPath != "" {
		f, err := os.Open(typesPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("Type table not found", zap.String("path", typesPath))
		case err != nil:
			return nil, fmt.Errorf("failed to open type table: %w", err)
		default:
			types, err = LoadTypeTable(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", typesPath, err)
			}
		}
	}

	profiles := map[string]*Profile{}
	if profilesPath != "" {
		f, err := os.Open(profilesPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("Profile table not found", zap.String("path", profilesPath))
		case err != nil:
			return nil, fmt.Errorf("failed to open profile table: %w", err)
		default:
			profiles, err = LoadProfiles(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", profilesPath, err)
			}
		}
	}

	logger.Info("Instrument tables loaded",
		zap.Int("models", len(types)),
		zap.Int("profiles", len(profiles)))

	return New(types, profiles), nil
}
