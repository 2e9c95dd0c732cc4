package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env is the process environment relevant to cmd/prep.
type Env struct {
	MetricsBackend string   `env:"METRICS_BACKEND"`
	MetricsTags    []string `env:"METRICS_TAGS" envSeparator:","`
	StorageDSN     string   `env:"PREP_STORAGE_DSN"`
	FrequencyURL   string   `env:"PREP_FREQUENCY_URL"`
	SeverityURL    string   `env:"PREP_SEVERITY_URL"`
}

// LoadEnv loads the given dotenv files (existing variables win) and parses the
// environment. Missing dotenv files are an error; pass none to skip them.
func LoadEnv(dotenvFiles ...string) (Env, error) {
	if len(dotenvFiles) > 0 {
		if err := godotenv.Load(dotenvFiles...); err != nil {
			return Env{}, fmt.Errorf("config: dotenv: %w", err)
		}
	}
	return parseEnv(nil)
}

// parseEnv parses environ, or the process environment when environ is nil.
func parseEnv(environ map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: environ}); err != nil {
		return Env{}, fmt.Errorf("config: env: %w", err)
	}
	tags := e.MetricsTags[:0]
	for _, t := range e.MetricsTags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	e.MetricsTags = tags
	return e, nil
}

// Apply overlays non-empty environment values onto p and expands ${VAR}
// references in the storage DSN.
func (e Env) Apply(p *Pipeline) {
	if p.Source.Kind == SourceClaims {
		if e.FrequencyURL != "" {
			p.Source.Frequency = e.FrequencyURL
		}
		if e.SeverityURL != "" {
			p.Source.Severity = e.SeverityURL
		}
	}
	if p.Storage != nil {
		if e.StorageDSN != "" {
			p.Storage.DB.DSN = e.StorageDSN
		}
		p.Storage.DB.DSN = os.ExpandEnv(p.Storage.DB.DSN)
	}
}
