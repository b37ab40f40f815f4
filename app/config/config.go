// Package config loads job categories definition from yaml file
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/rowjobs/app/job"
)

const maxConcurrency = 100

var reName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config is the root of categories file
type Config struct {
	Categories []Category `yaml:"categories" json:"categories" jsonschema:"required,minItems=1,description=job categories to track"`
}

// Category defines one backend workflow
type Category struct {
	Name             string        `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-z0-9][a-z0-9_-]*$,description=category key used in backend urls"`
	RequiredColumns  []string      `yaml:"required_columns,omitempty" json:"required_columns,omitempty" jsonschema:"description=columns every uploaded row must have"`
	OverviewInterval time.Duration `yaml:"overview_interval,omitempty" json:"overview_interval,omitempty" jsonschema:"type=string,description=completed jobs refresh interval like 10m"`
	RunningInterval  time.Duration `yaml:"running_interval,omitempty" json:"running_interval,omitempty" jsonschema:"type=string,description=running jobs refresh interval like 30s"`
	Concurrency      int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty" jsonschema:"minimum=0,maximum=100,description=max parallel row queries with 0 for one per job"`
	Notify           *Notify       `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// Notify enables notifications for finished jobs of the category
type Notify struct {
	OnCompleted bool `yaml:"on_completed" json:"on_completed"`
	OnFailed    bool `yaml:"on_failed" json:"on_failed"`
}

// Load reads and validates categories file, unknown fields rejected
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file is set by operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", file, err)
	}
	return Parse(data)
}

// Parse decodes and validates categories yaml
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	res := Config{}
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("can't parse config: %w", err)
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &res, nil
}

// Validate checks categories are named, unique and have sane values
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	seen := map[string]bool{}
	for i, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category %d: name is required", i+1)
		}
		if !reName.MatchString(cat.Name) {
			return fmt.Errorf("category %d: invalid name %q", i+1, cat.Name)
		}
		if seen[cat.Name] {
			return fmt.Errorf("category %d: duplicate name %q", i+1, cat.Name)
		}
		seen[cat.Name] = true

		if cat.OverviewInterval < 0 || cat.RunningInterval < 0 {
			return fmt.Errorf("category %s: negative interval", cat.Name)
		}
		if cat.OverviewInterval > 0 && cat.OverviewInterval < time.Second {
			return fmt.Errorf("category %s: overview interval %v is less than 1s", cat.Name, cat.OverviewInterval)
		}
		if cat.RunningInterval > 0 && cat.RunningInterval < time.Second {
			return fmt.Errorf("category %s: running interval %v is less than 1s", cat.Name, cat.RunningInterval)
		}
		if cat.Concurrency < 0 || cat.Concurrency > maxConcurrency {
			return fmt.Errorf("category %s: concurrency %d out of [0..%d]", cat.Name, cat.Concurrency, maxConcurrency)
		}
		for _, col := range cat.RequiredColumns {
			if strings.TrimSpace(col) == "" {
				return fmt.Errorf("category %s: empty required column", cat.Name)
			}
		}
	}
	return nil
}

// Types returns category keys in file order
func (c *Config) Types() []job.Type {
	res := make([]job.Type, 0, len(c.Categories))
	for _, cat := range c.Categories {
		res = append(res, job.Type(cat.Name))
	}
	return res
}

// GenerateSchema generates a JSON schema for the categories file
func GenerateSchema() *jsonschema.Schema {
	schema := jsonschema.Reflect(&Config{})
	schema.Title = "rowjobs categories configuration"
	schema.Description = "Schema for rowjobs categories yaml file"
	return schema
}
