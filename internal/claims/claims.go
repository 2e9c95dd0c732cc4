// Package claims loads the French motor third-party liability data
// (freMTPL2freq and freMTPL2sev) and prepares it for claim frequency and
// severity modelling.
package claims

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"claimprep/internal/config"
	"claimprep/internal/dataset"
	"claimprep/internal/datasource"
	"claimprep/internal/ingest"
)

// Default OpenML exports.
const (
	DefaultFrequencyURL = "https://www.openml.org/data/get_csv/20649148/freMTPL2freq.arff"
	DefaultSeverityURL  = "https://www.openml.org/data/get_csv/20649149/freMTPL2sev.arff"
)

// Column names.
const (
	IDpol          = "IDpol"
	ClaimNb        = "ClaimNb"
	Exposure       = "Exposure"
	Area           = "Area"
	VehPower       = "VehPower"
	VehAge         = "VehAge"
	DrivAge        = "DrivAge"
	BonusMalus     = "BonusMalus"
	VehBrand       = "VehBrand"
	VehGas         = "VehGas"
	Density        = "Density"
	Region         = "Region"
	ClaimAmount    = "ClaimAmount"
	ClaimAmountCut = "ClaimAmountCut"
)

// FrequencyFields is the schema of freMTPL2freq, one row per policy.
var FrequencyFields = []dataset.Field{
	{Name: IDpol, Kind: dataset.KindInt},
	{Name: ClaimNb, Kind: dataset.KindInt},
	{Name: Exposure, Kind: dataset.KindFloat},
	{Name: Area, Kind: dataset.KindString},
	{Name: VehPower, Kind: dataset.KindInt},
	{Name: VehAge, Kind: dataset.KindInt},
	{Name: DrivAge, Kind: dataset.KindInt},
	{Name: BonusMalus, Kind: dataset.KindInt},
	{Name: VehBrand, Kind: dataset.KindString},
	{Name: VehGas, Kind: dataset.KindString},
	{Name: Density, Kind: dataset.KindInt},
	{Name: Region, Kind: dataset.KindString},
}

// SeverityFields is the schema of freMTPL2sev, one row per claim.
var SeverityFields = []dataset.Field{
	{Name: IDpol, Kind: dataset.KindInt},
	{Name: ClaimAmount, Kind: dataset.KindFloat},
}

// OutputFields is the schema Transform produces from the two files:
// FrequencyFields followed by the per-policy ClaimAmount and ClaimAmountCut.
func OutputFields() []dataset.Field {
	out := append([]dataset.Field(nil), FrequencyFields...)
	return append(out,
		dataset.Field{Name: ClaimAmount, Kind: dataset.KindFloat},
		dataset.Field{Name: ClaimAmountCut, Kind: dataset.KindFloat},
	)
}

// Sources locates the two input files. Empty fields fall back to the OpenML
// defaults.
type Sources struct {
	Frequency string
	Severity  string
}

func (s Sources) withDefaults() Sources {
	if s.Frequency == "" {
		s.Frequency = DefaultFrequencyURL
	}
	if s.Severity == "" {
		s.Severity = DefaultSeverityURL
	}
	return s
}

// Raw holds the two datasets as loaded.
type Raw struct {
	Frequency *dataset.Dataset
	Severity  *dataset.Dataset
	Stats     map[string]ingest.Stats
}

// FrequencyParserOptions returns the parser options of the frequency export,
// whose values are quoted with '\'' and whose header names with '"'. Keys
// present in overrides win.
func FrequencyParserOptions(overrides config.Options) config.Options {
	opt := config.Options{"quote_char": "'"}
	for k, v := range overrides {
		opt[k] = v
	}
	return opt
}

// Load reads both files concurrently. A nil open uses datasource.Open.
func Load(ctx context.Context, open datasource.OpenFn, src Sources, opt config.Options, rt config.Runtime) (Raw, error) {
	if open == nil {
		open = datasource.Open
	}
	src = src.withDefaults()

	var raw Raw
	var freqStats, sevStats ingest.Stats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rc, err := open(gctx, src.Frequency)
		if err != nil {
			return fmt.Errorf("claims: frequency: %w", err)
		}
		ds, st, err := ingest.ReadDataset(gctx, rc, FrequencyFields, FrequencyParserOptions(opt), rt)
		if err != nil {
			return fmt.Errorf("claims: frequency: %w", err)
		}
		raw.Frequency, freqStats = ds, st
		return nil
	})
	g.Go(func() error {
		rc, err := open(gctx, src.Severity)
		if err != nil {
			return fmt.Errorf("claims: severity: %w", err)
		}
		ds, st, err := ingest.ReadDataset(gctx, rc, SeverityFields, opt, rt)
		if err != nil {
			return fmt.Errorf("claims: severity: %w", err)
		}
		raw.Severity, sevStats = ds, st
		return nil
	})
	if err := g.Wait(); err != nil {
		return Raw{}, err
	}

	raw.Stats = map[string]ingest.Stats{"frequency": freqStats, "severity": sevStats}
	return raw, nil
}

// LoadTransform loads both files and applies Transform.
func LoadTransform(ctx context.Context, open datasource.OpenFn, src Sources, opt config.Options, rt config.Runtime) (*dataset.Dataset, error) {
	raw, err := Load(ctx, open, src, opt, rt)
	if err != nil {
		return nil, err
	}
	return Transform(raw.Frequency, raw.Severity)
}
