// Package config loads the authorization (gating) configuration: which
// tools are gated, their risk tiers, and pending-action expiry.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the YAML omits a field.
const (
	DefaultExpiryHours    = 24
	DefaultRiskTier       = "medium"
	DefaultRulePrecedence = "specificity, bounded expiry, earliest created, rule id"
)

// ToolOverride holds the per-tool overrides for a gated tool. A tool is
// gated by being present in the tools map, even with an empty override.
type ToolOverride struct {
	RiskTier    string `yaml:"risk_tier,omitempty"`
	ExpiryHours *int   `yaml:"expiry_hours,omitempty"`
}

// Authorization is the gate configuration consumed by the interceptor.
type Authorization struct {
	Enabled            bool                    `yaml:"enabled"`
	DefaultExpiryHours int                     `yaml:"default_expiry_hours"`
	DefaultRiskTier    string                  `yaml:"default_risk_tier"`
	RulePrecedence     string                  `yaml:"rule_precedence"`
	Tools              map[string]ToolOverride `yaml:"tools"`
}

// Load reads the authorization config from a YAML file and applies defaults.
func Load(path string) (*Authorization, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Authorization, error) {
	var a Authorization
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	a.applyDefaults()
	return &a, nil
}

func (a *Authorization) applyDefaults() {
	if a.DefaultExpiryHours == 0 {
		a.DefaultExpiryHours = DefaultExpiryHours
	}
	if a.DefaultRiskTier == "" {
		a.DefaultRiskTier = DefaultRiskTier
	}
	if a.RulePrecedence == "" {
		a.RulePrecedence = DefaultRulePrecedence
	}
}

// IsGated reports whether the tool is enrolled in the gate.
func (a *Authorization) IsGated(toolName string) bool {
	if a == nil || !a.Enabled {
		return false
	}
	_, ok := a.Tools[toolName]
	return ok
}

// RiskTier returns the effective risk tier for a tool: the per-tool
// override when set, else the global default.
func (a *Authorization) RiskTier(toolName string) string {
	if t, ok := a.Tools[toolName]; ok && t.RiskTier != "" {
		return t.RiskTier
	}
	return a.DefaultRiskTier
}

// ExpiryHours returns the effective pending-action expiry for a tool: the
// per-tool override when set, else the global default.
func (a *Authorization) ExpiryHours(toolName string) int {
	if t, ok := a.Tools[toolName]; ok && t.ExpiryHours != nil {
		return *t.ExpiryHours
	}
	return a.DefaultExpiryHours
}
