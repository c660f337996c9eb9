// Package config loads the shim tool's configuration.
//
// Every field is optional: the Get* methods return the default for anything
// the file leaves out, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks when no --config is given.
const DefaultConfigPath = "config/shimtool.yaml"

// ToolConfig is the root configuration.
type ToolConfig struct {
	RootDir    *string `json:"root_dir,omitempty" yaml:"root_dir,omitempty"`
	ScannerLog *string `json:"scanner_log,omitempty" yaml:"scanner_log,omitempty"`
	ShimLog    *string `json:"shim_log,omitempty" yaml:"shim_log,omitempty"`
	ToolLog    *string `json:"tool_log,omitempty" yaml:"tool_log,omitempty"`

	// Scanner remote interface
	Host         *string `json:"host,omitempty" yaml:"host,omitempty"`
	ExsiPort     *int    `json:"exsi_port,omitempty" yaml:"exsi_port,omitempty"`
	ExsiProduct  *string `json:"exsi_product,omitempty" yaml:"exsi_product,omitempty"`
	ExsiPassword *string `json:"exsi_password,omitempty" yaml:"exsi_password,omitempty"`
	// ExamDataPath is where the scanner's reconstructed series appear,
	// typically a mounted share.
	ExamDataPath *string `json:"exam_data_path,omitempty" yaml:"exam_data_path,omitempty"`

	// Shim driver
	ShimPort     *string `json:"shim_port,omitempty" yaml:"shim_port,omitempty"`
	ShimBaudRate *int    `json:"shim_baud_rate,omitempty" yaml:"shim_baud_rate,omitempty"`
	NumLoops     *int    `json:"num_loops,omitempty" yaml:"num_loops,omitempty"`

	// Calibration constants
	DeltaTEUs           *float64 `json:"delta_te_us,omitempty" yaml:"delta_te_us,omitempty"`
	GradientCalStrength *float64 `json:"gradient_cal_strength,omitempty" yaml:"gradient_cal_strength,omitempty"`
	LoopCalCurrent      *float64 `json:"loop_cal_current,omitempty" yaml:"loop_cal_current,omitempty"`
	MaxCurrent          *float64 `json:"max_current,omitempty" yaml:"max_current,omitempty"`
	MagnitudeThreshold  *float64 `json:"magnitude_threshold,omitempty" yaml:"magnitude_threshold,omitempty"`

	// Timeouts, as duration strings like "90s"
	ScanTimeout  *string `json:"scan_timeout,omitempty" yaml:"scan_timeout,omitempty"`
	AssetTimeout *string `json:"asset_timeout,omitempty" yaml:"asset_timeout,omitempty"`
	AckTimeout   *string `json:"ack_timeout,omitempty" yaml:"ack_timeout,omitempty"`

	DBPath *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultToolConfig returns a config with every field set to its default.
func DefaultToolConfig() *ToolConfig {
	c := &ToolConfig{}
	return &ToolConfig{
		RootDir:             ptrString(c.GetRootDir()),
		ScannerLog:          ptrString(c.GetScannerLog()),
		ShimLog:             ptrString(c.GetShimLog()),
		ToolLog:             ptrString(c.GetToolLog()),
		Host:                ptrString(c.GetHost()),
		ExsiPort:            ptrInt(c.GetExsiPort()),
		ExsiProduct:         ptrString(c.GetExsiProduct()),
		ExsiPassword:        ptrString(c.GetExsiPassword()),
		ExamDataPath:        ptrString(c.GetExamDataPath()),
		ShimPort:            ptrString(c.GetShimPort()),
		ShimBaudRate:        ptrInt(c.GetShimBaudRate()),
		NumLoops:            ptrInt(c.GetNumLoops()),
		DeltaTEUs:           ptrFloat64(c.GetDeltaTEUs()),
		GradientCalStrength: ptrFloat64(c.GetGradientCalStrength()),
		LoopCalCurrent:      ptrFloat64(c.GetLoopCalCurrent()),
		MaxCurrent:          ptrFloat64(c.GetMaxCurrent()),
		MagnitudeThreshold:  ptrFloat64(c.GetMagnitudeThreshold()),
		ScanTimeout:         ptrString(c.GetScanTimeout().String()),
		AssetTimeout:        ptrString(c.GetAssetTimeout().String()),
		AckTimeout:          ptrString(c.GetAckTimeout().String()),
		DBPath:              ptrString(c.GetDBPath()),
		Listen:              ptrString(c.GetListen()),
	}
}

// LoadToolConfig loads a ToolConfig from a .json, .yaml or .yml file.
// The file must be under 1MB. Fields omitted from the file fall back to their
// defaults.
func LoadToolConfig(path string) (*ToolConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ToolConfig{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ToolConfig) Validate() error {
	if c.NumLoops != nil && (*c.NumLoops < 1 || *c.NumLoops > 64) {
		return fmt.Errorf("num_loops must be between 1 and 64, got %d", *c.NumLoops)
	}
	if c.ExsiPort != nil && (*c.ExsiPort < 1 || *c.ExsiPort > 65535) {
		return fmt.Errorf("exsi_port must be a TCP port, got %d", *c.ExsiPort)
	}
	if c.ShimBaudRate != nil && *c.ShimBaudRate <= 0 {
		return fmt.Errorf("shim_baud_rate must be positive, got %d", *c.ShimBaudRate)
	}

	positives := []struct {
		name string
		v    *float64
	}{
		{"delta_te_us", c.DeltaTEUs},
		{"gradient_cal_strength", c.GradientCalStrength},
		{"loop_cal_current", c.LoopCalCurrent},
		{"max_current", c.MaxCurrent},
	}
	for _, p := range positives {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}
	if c.LoopCalCurrent != nil && *c.LoopCalCurrent > c.GetMaxCurrent() {
		return fmt.Errorf("loop_cal_current %f exceeds max_current %f", *c.LoopCalCurrent, c.GetMaxCurrent())
	}
	if c.MagnitudeThreshold != nil && (*c.MagnitudeThreshold <= 0 || *c.MagnitudeThreshold >= 1) {
		return fmt.Errorf("magnitude_threshold must be between 0 and 1, got %f", *c.MagnitudeThreshold)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"scan_timeout", c.ScanTimeout},
		{"asset_timeout", c.AssetTimeout},
		{"ack_timeout", c.AckTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetRootDir returns the directory holding logs, exam data and results.
func (c *ToolConfig) GetRootDir() string { return stringOr(c.RootDir, "shimtool-data") }

func (c *ToolConfig) GetScannerLog() string { return stringOr(c.ScannerLog, "scanner.log") }
func (c *ToolConfig) GetShimLog() string    { return stringOr(c.ShimLog, "shim.log") }
func (c *ToolConfig) GetToolLog() string    { return stringOr(c.ToolLog, "tool.log") }

// LogPath joins a log file name onto the root directory unless it is
// already absolute.
func (c *ToolConfig) LogPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.GetRootDir(), name)
}

func (c *ToolConfig) GetHost() string         { return stringOr(c.Host, "localhost") }
func (c *ToolConfig) GetExsiProduct() string  { return stringOr(c.ExsiProduct, "") }
func (c *ToolConfig) GetExsiPassword() string { return stringOr(c.ExsiPassword, "") }

// GetExsiPort returns the scanner control port or the default.
func (c *ToolConfig) GetExsiPort() int {
	if c.ExsiPort == nil {
		return 7777 // default
	}
	return *c.ExsiPort
}

// ScannerAddr is host:port of the scanner remote interface.
func (c *ToolConfig) ScannerAddr() string {
	return net.JoinHostPort(c.GetHost(), strconv.Itoa(c.GetExsiPort()))
}

// GetExamDataPath returns where the scanner writes series, defaulting to
// <root>/exam-data.
func (c *ToolConfig) GetExamDataPath() string {
	return stringOr(c.ExamDataPath, filepath.Join(c.GetRootDir(), "exam-data"))
}

func (c *ToolConfig) GetShimPort() string { return stringOr(c.ShimPort, "/dev/ttyACM0") }

// GetShimBaudRate returns the shim driver baud rate or the default.
func (c *ToolConfig) GetShimBaudRate() int {
	if c.ShimBaudRate == nil {
		return 115200 // default
	}
	return *c.ShimBaudRate
}

// GetNumLoops returns the number of shim coil channels or the default.
func (c *ToolConfig) GetNumLoops() int {
	if c.NumLoops == nil {
		return 32 // default
	}
	return *c.NumLoops
}

// GetDeltaTEUs returns the echo time difference of a field-map pair.
func (c *ToolConfig) GetDeltaTEUs() float64 {
	if c.DeltaTEUs == nil {
		return 3500 // default
	}
	return *c.DeltaTEUs
}

// GetGradientCalStrength returns the gradient offset used for basis scans.
func (c *ToolConfig) GetGradientCalStrength() float64 {
	if c.GradientCalStrength == nil {
		return 60 // default
	}
	return *c.GradientCalStrength
}

// GetLoopCalCurrent returns the loop current in amps used for basis scans.
func (c *ToolConfig) GetLoopCalCurrent() float64 {
	if c.LoopCalCurrent == nil {
		return 1.0 // default
	}
	return *c.LoopCalCurrent
}

// GetMaxCurrent returns the driver's safety limit in amps.
func (c *ToolConfig) GetMaxCurrent() float64 {
	if c.MaxCurrent == nil {
		return 2.4 // default
	}
	return *c.MaxCurrent
}

// GetMagnitudeThreshold returns the noise floor fraction for field maps.
func (c *ToolConfig) GetMagnitudeThreshold() float64 {
	if c.MagnitudeThreshold == nil {
		return 0.05 // default
	}
	return *c.MagnitudeThreshold
}

func (c *ToolConfig) GetScanTimeout() time.Duration  { return durationOr(c.ScanTimeout, 90*time.Second) }
func (c *ToolConfig) GetAssetTimeout() time.Duration { return durationOr(c.AssetTimeout, 120*time.Second) }
func (c *ToolConfig) GetAckTimeout() time.Duration   { return durationOr(c.AckTimeout, 10*time.Second) }

// GetDBPath returns the sqlite database path, defaulting to <root>/shimtool.db.
func (c *ToolConfig) GetDBPath() string {
	return stringOr(c.DBPath, filepath.Join(c.GetRootDir(), "shimtool.db"))
}

// GetListen returns the HTTP listen address.
func (c *ToolConfig) GetListen() string { return stringOr(c.Listen, "localhost:8088") }
