package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/mctune/internal/gof"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/tunedata"
)

// DefaultConfigPath is the path to the canonical tune defaults file.
const DefaultConfigPath = "config/tune.defaults.json"

// TuneConfig is the root configuration for interpolation and tuning runs.
// Every field is optional; the Get* accessors supply defaults.
type TuneConfig struct {
	// Interpolation
	Order              *int     `json:"order,omitempty"`
	FastLongVector     *bool    `json:"fast_long_vector,omitempty"`
	ComputeCoeffErrors *bool    `json:"compute_coeff_errors,omitempty"`
	RCond              *float64 `json:"rcond,omitempty"`

	// Starting points
	StartMethod *string            `json:"start_method,omitempty"` // center, random or manual
	StartPoint  map[string]float64 `json:"start_point,omitempty"`
	NumStarts   *int               `json:"num_starts,omitempty"`
	Seed        *uint64            `json:"seed,omitempty"`

	// Parameter constraints, unscaled
	FixedParams map[string]float64    `json:"fixed_params,omitempty"`
	Limits      map[string][2]float64 `json:"limits,omitempty"`

	// Minimizer
	Minimizer     *string  `json:"minimizer,omitempty"`
	MaxIterations *int     `json:"max_iterations,omitempty"`
	Tolerance     *float64 `json:"tolerance,omitempty"`

	// Validation
	ValidateResult           *bool    `json:"validate,omitempty"`
	ValidationGoFTolerance   *float64 `json:"validation_gof_tolerance,omitempty"`
	ValidationParamTolerance *float64 `json:"validation_param_tolerance,omitempty"`

	// Tune data
	VetoZeroRefBins *bool `json:"veto_zero_ref_bins,omitempty"`
	UseMCErrors     *bool `json:"use_mc_errors,omitempty"`

	MetricsTextfile *string `json:"metrics_textfile,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyTuneConfig returns a TuneConfig with all fields unset.
func EmptyTuneConfig() *TuneConfig {
	return &TuneConfig{}
}

// DefaultTuneConfig returns a config with every scalar field populated.
func DefaultTuneConfig() *TuneConfig {
	return &TuneConfig{
		Order:                    ptrInt(2),
		FastLongVector:           ptrBool(true),
		ComputeCoeffErrors:       ptrBool(false),
		RCond:                    ptrFloat64(ipol.DefaultRCond),
		StartMethod:              ptrString(string(minimize.StartCenter)),
		NumStarts:                ptrInt(1),
		Seed:                     ptrUint64(1),
		Minimizer:                ptrString(minimize.MethodBFGS),
		MaxIterations:            ptrInt(0),
		Tolerance:                ptrFloat64(1e-10),
		ValidateResult:           ptrBool(false),
		ValidationGoFTolerance:   ptrFloat64(minimize.DefaultGoFTolerance),
		ValidationParamTolerance: ptrFloat64(minimize.DefaultParamTolerance),
		VetoZeroRefBins:          ptrBool(true),
		UseMCErrors:              ptrBool(false),
		MetricsTextfile:          ptrString(""),
	}
}

// LoadTuneConfig loads a TuneConfig from a JSON file. The file must have a
// .json extension and be at most 1 MiB. Omitted fields keep their defaults.
func LoadTuneConfig(path string) (*TuneConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuneConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded; intended for
// test setup.
func MustLoadDefaultConfig() *TuneConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuneConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *TuneConfig) Validate() error {
	if c.Order != nil && *c.Order != 2 && *c.Order != 3 {
		return fmt.Errorf("order must be 2 or 3, got %d", *c.Order)
	}
	if c.RCond != nil && (*c.RCond < 0 || *c.RCond >= 1) {
		return fmt.Errorf("rcond must be in [0, 1), got %g", *c.RCond)
	}
	if c.StartMethod != nil {
		if _, err := minimize.ParseStartMethod(*c.StartMethod); err != nil {
			return err
		}
	}
	if c.GetStartMethod() == minimize.StartManual && len(c.StartPoint) == 0 {
		return fmt.Errorf("start_method manual requires start_point")
	}
	if c.NumStarts != nil && *c.NumStarts < 1 {
		return fmt.Errorf("num_starts must be at least 1, got %d", *c.NumStarts)
	}
	for name, v := range c.FixedParams {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("fixed_params %s: non-finite value", name)
		}
	}
	for name, l := range c.Limits {
		if !(l[0] < l[1]) {
			return fmt.Errorf("limits %s: low %g must be below high %g", name, l[0], l[1])
		}
	}
	if c.Minimizer != nil {
		if _, err := minimize.MethodByName(*c.Minimizer); err != nil {
			return err
		}
	}
	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", *c.MaxIterations)
	}
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %g", *c.Tolerance)
	}
	if c.ValidationGoFTolerance != nil && *c.ValidationGoFTolerance <= 0 {
		return fmt.Errorf("validation_gof_tolerance must be positive, got %g", *c.ValidationGoFTolerance)
	}
	if c.ValidationParamTolerance != nil && *c.ValidationParamTolerance <= 0 {
		return fmt.Errorf("validation_param_tolerance must be positive, got %g", *c.ValidationParamTolerance)
	}
	if !c.GetVetoZeroRefBins() && !c.GetUseMCErrors() {
		return fmt.Errorf("veto_zero_ref_bins false requires use_mc_errors")
	}
	return nil
}

// GetOrder returns the interpolation order or the default of 2.
func (c *TuneConfig) GetOrder() int {
	if c.Order == nil {
		return 2
	}
	return *c.Order
}

func (c *TuneConfig) GetFastLongVector() bool {
	if c.FastLongVector == nil {
		return true
	}
	return *c.FastLongVector
}

func (c *TuneConfig) GetComputeCoeffErrors() bool {
	if c.ComputeCoeffErrors == nil {
		return false
	}
	return *c.ComputeCoeffErrors
}

func (c *TuneConfig) GetRCond() float64 {
	if c.RCond == nil {
		return ipol.DefaultRCond
	}
	return *c.RCond
}

// GetStartMethod returns the start method; unparseable values fall back to
// center, Validate reports them.
func (c *TuneConfig) GetStartMethod() minimize.StartMethod {
	if c.StartMethod == nil {
		return minimize.StartCenter
	}
	m, err := minimize.ParseStartMethod(*c.StartMethod)
	if err != nil {
		return minimize.StartCenter
	}
	return m
}

func (c *TuneConfig) GetNumStarts() int {
	if c.NumStarts == nil {
		return 1
	}
	return *c.NumStarts
}

// GetSeed returns the random-start seed. Zero maps to 1 so an unset and a
// zeroed seed produce the same stream.
func (c *TuneConfig) GetSeed() uint64 {
	if c.Seed == nil || *c.Seed == 0 {
		return 1
	}
	return *c.Seed
}

func (c *TuneConfig) GetMinimizer() string {
	if c.Minimizer == nil {
		return minimize.MethodBFGS
	}
	return *c.Minimizer
}

func (c *TuneConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 0
	}
	return *c.MaxIterations
}

func (c *TuneConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return 1e-10
	}
	return *c.Tolerance
}

func (c *TuneConfig) GetValidate() bool {
	if c.ValidateResult == nil {
		return false
	}
	return *c.ValidateResult
}

func (c *TuneConfig) GetValidationGoFTolerance() float64 {
	if c.ValidationGoFTolerance == nil {
		return minimize.DefaultGoFTolerance
	}
	return *c.ValidationGoFTolerance
}

func (c *TuneConfig) GetValidationParamTolerance() float64 {
	if c.ValidationParamTolerance == nil {
		return minimize.DefaultParamTolerance
	}
	return *c.ValidationParamTolerance
}

func (c *TuneConfig) GetVetoZeroRefBins() bool {
	if c.VetoZeroRefBins == nil {
		return true
	}
	return *c.VetoZeroRefBins
}

func (c *TuneConfig) GetUseMCErrors() bool {
	if c.UseMCErrors == nil {
		return false
	}
	return *c.UseMCErrors
}

// GetMetricsTextfile returns the metrics output path; empty disables it.
func (c *TuneConfig) GetMetricsTextfile() string {
	if c.MetricsTextfile == nil {
		return ""
	}
	return *c.MetricsTextfile
}

// BuildOptions converts the interpolation settings for runs.
func (c *TuneConfig) BuildOptions(runs []string) ipol.BuildOptions {
	return ipol.BuildOptions{
		Order:       c.GetOrder(),
		Fast:        c.GetFastLongVector(),
		Runs:        runs,
		CoeffErrors: c.GetComputeCoeffErrors(),
		RCond:       c.GetRCond(),
	}
}

// TuneDataOptions converts the bin selection settings.
func (c *TuneConfig) TuneDataOptions() tunedata.Options {
	return tunedata.Options{KeepZeroRefBins: !c.GetVetoZeroRefBins()}
}

// GoFOptions converts the goodness-of-fit settings.
func (c *TuneConfig) GoFOptions() gof.Options {
	return gof.Options{UseMCErrors: c.GetUseMCErrors()}
}

// NewMinimizer builds the configured minimizer.
func (c *TuneConfig) NewMinimizer() *minimize.GonumMinimizer {
	return &minimize.GonumMinimizer{
		Method:        c.GetMinimizer(),
		MaxIterations: c.GetMaxIterations(),
		Tolerance:     c.GetTolerance(),
	}
}

// MinimizeOptions converts the start, constraint and validation settings.
func (c *TuneConfig) MinimizeOptions() (minimize.Options, error) {
	opts := minimize.Options{
		Start:          c.GetStartMethod(),
		NumStarts:      c.GetNumStarts(),
		Seed:           c.GetSeed(),
		Validate:       c.GetValidate(),
		GoFTolerance:   c.GetValidationGoFTolerance(),
		ParamTolerance: c.GetValidationParamTolerance(),
	}
	if len(c.StartPoint) > 0 {
		p, err := params.PointFromMap(c.StartPoint)
		if err != nil {
			return minimize.Options{}, fmt.Errorf("start_point: %w", err)
		}
		opts.StartPoint = p
	}
	if len(c.FixedParams) > 0 {
		opts.Fixed = make(map[string]float64, len(c.FixedParams))
		for k, v := range c.FixedParams {
			opts.Fixed[k] = v
		}
	}
	if len(c.Limits) > 0 {
		opts.Limits = make(map[string]params.Bounds, len(c.Limits))
		for k, l := range c.Limits {
			opts.Limits[k] = params.Bounds{Low: l[0], High: l[1]}
		}
	}
	return opts, nil
}
