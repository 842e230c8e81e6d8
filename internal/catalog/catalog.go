// Package catalog loads model descriptors from YAML and seeds the store.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/otterflow/otterflow/internal/store"
)

// Providers are the license tags an adapter exists for.
var Providers = []string{"OpenAI", "Groq", "Anthropic", "Google", "Cohere", "Opensource"}

// DefaultTemperature applies when a seed entry omits temperature.
const DefaultTemperature = 0.7

//go:embed default.yaml
var defaultSeed []byte

type file struct {
	Models []store.ModelRecord `yaml:"models"`
}

// Parse decodes a seed document. Unknown fields are rejected.
func Parse(data []byte) ([]store.ModelRecord, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	var raw struct {
		Models []map[string]any `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i := range f.Models {
		if _, ok := raw.Models[i]["temperature"]; !ok {
			f.Models[i].Temperature = DefaultTemperature
		}
	}

	seen := make(map[string]bool, len(f.Models))
	for i, m := range f.Models {
		if err := Validate(m); err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("model %d: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true
	}
	return f.Models, nil
}

// Validate checks the fields the router relies on.
func Validate(m store.ModelRecord) error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if !knownProvider(m.License) {
		return fmt.Errorf("%s: unknown provider tag %q", m.Name, m.License)
	}
	for field, v := range map[string]*float64{"cost": m.Cost, "performance": m.Performance, "latency": m.Latency} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s: %s %.3f outside [0,1]", m.Name, field, *v)
		}
	}
	if m.InputCostRaw < 0 || m.OutputCostRaw < 0 {
		return fmt.Errorf("%s: negative price", m.Name)
	}
	return nil
}

func knownProvider(tag string) bool {
	for _, p := range Providers {
		if p == tag {
			return true
		}
	}
	return false
}

// Load reads a seed file. An empty path returns the built-in catalog.
func Load(path string) ([]store.ModelRecord, error) {
	if path == "" {
		return Parse(defaultSeed)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Upserter writes catalog rows.
type Upserter interface {
	UpsertModel(ctx context.Context, m store.ModelRecord) error
}

// Seed upserts every model from path and returns how many were written.
func Seed(ctx context.Context, s Upserter, path string) (int, error) {
	models, err := Load(path)
	if err != nil {
		return 0, err
	}
	for _, m := range models {
		if err := s.UpsertModel(ctx, m); err != nil {
			return 0, fmt.Errorf("seed %s: %w", m.Name, err)
		}
	}
	slog.Info("catalog: seeded", slog.Int("models", len(models)), slog.String("source", sourceName(path)))
	return len(models), nil
}

func sourceName(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}
