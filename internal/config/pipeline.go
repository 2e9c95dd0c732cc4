// Package config holds the pipeline configuration of cmd/prep: the file
// format, its validation and the environment overlay.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// Source kinds.
const (
	SourceClaims = "claims"
	SourceCSV    = "csv"
)

// Pipeline is one preparation job.
type Pipeline struct {
	Job       string    `json:"job"`
	Source    Source    `json:"source"`
	Parser    Parser    `json:"parser"`
	Columns   []Column  `json:"columns,omitempty"`
	Split     Split     `json:"split"`
	Winsorize Winsorize `json:"winsorize"`
	Storage   *Storage  `json:"storage,omitempty"`
	Runtime   Runtime   `json:"runtime"`
}

// Source selects the input. Kind "claims" reads the frequency and severity
// files and runs the claims transform; kind "csv" reads Path with the declared
// Columns.
type Source struct {
	Kind      string `json:"kind"`
	Frequency string `json:"frequency,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Path      string `json:"path,omitempty"`
}

type Parser struct {
	Kind    string  `json:"kind"`
	Options Options `json:"options,omitempty"`
}

// Column declares a typed input column of a csv source.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Split struct {
	IDColumn string `json:"id_column"`
	// TrainingFrac is optional; nil means 0.8.
	TrainingFrac *float64 `json:"training_frac,omitempty"`
}

// Frac returns the configured training fraction or def.
func (s Split) Frac(def float64) float64 {
	if s.TrainingFrac == nil {
		return def
	}
	return *s.TrainingFrac
}

// Winsorize configures outlier clipping. An empty Columns list disables it.
type Winsorize struct {
	Columns       []string `json:"columns"`
	LowerQuantile float64  `json:"lower_quantile"`
	UpperQuantile float64  `json:"upper_quantile"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite"
	Kind string `json:"kind"`
	DB   DB     `json:"db"`
}

type DB struct {
	DSN       string `json:"dsn"`
	Table     string `json:"table"`
	BatchSize int    `json:"batch_size"`
	// DedupeColumns become a unique key; rows that collide are skipped.
	DedupeColumns []string `json:"dedupe_columns,omitempty"`
}

type Runtime struct {
	ChannelBuffer int `json:"channel_buffer"`
}

// Decode parses a pipeline document. Files ending in .yaml or .yml are YAML,
// everything else is JSON. Unknown JSON fields are rejected.
func Decode(name string, data []byte) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		js, err := yaml.YAMLToJSON(data)
		if err != nil {
			return Pipeline{}, fmt.Errorf("config: yaml: %w", err)
		}
		data = js
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode %s: %w", name, err)
	}
	return p, nil
}
