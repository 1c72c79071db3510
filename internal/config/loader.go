package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"grimm.is/fleetwall/internal/brand"
	"grimm.is/fleetwall/internal/tracing"
)

// ErrUnsupportedVersion is returned for configs newer than this build.
var ErrUnsupportedVersion = errors.New("unsupported config schema version")

// LoadFile loads and validates a config file (.hcl or .json).
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(path, data)
}

// LoadHCL loads and validates HCL source.
func LoadHCL(data []byte) (*Config, error) {
	return load(brand.ConfigFileName, data)
}

func load(filename string, data []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl", ".json":
	default:
		filename += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, EvalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	v, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if !v.IsCompatible(CurrentVersion()) {
		return nil, fmt.Errorf("%w: %s (this build reads %s)", ErrUnsupportedVersion, v, CurrentSchemaVersion)
	}

	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}

// EvalContext exposes the process environment as env.NAME along with a few
// string functions.
func EvalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclIdentifier(k) {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"format": stdlib.FormatFunc,
			"join":   stdlib.JoinFunc,
		},
	}
}

func hclIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StatePath == "" {
		c.StatePath = brand.StatePath()
	}
	if c.BootRulesetPath == "" {
		c.BootRulesetPath = brand.BootRulesetPath
	}
	if c.TraceBufferEntries == 0 {
		c.TraceBufferEntries = tracing.DefaultCapacity
	}
	if c.ResyncSchedule == "" {
		c.ResyncSchedule = "10m"
	}
	if c.HistoryRetention == "" {
		c.HistoryRetention = "720h"
	}
	for _, h := range c.Hosts {
		if h.Local {
			continue
		}
		if h.Port == 0 {
			h.Port = 22
		}
		if h.User == "" {
			h.User = "root"
		}
	}
	for _, pf := range c.PortForwards {
		if pf.TargetPort == 0 {
			pf.TargetPort = pf.Port
		}
	}
}
