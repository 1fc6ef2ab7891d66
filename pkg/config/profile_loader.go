package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keelworks/keel/pkg/primitive"
	"github.com/keelworks/keel/pkg/runtime/budget"
)

// ExecutionProfile is a named bundle of execution defaults: budget
// ceilings, primitive tuning, and hook definitions. Profiles live as
// profile_<name>.yaml files in a profiles directory.
type ExecutionProfile struct {
	Name    string          `yaml:"name" json:"name"`
	Budget  BudgetConfig    `yaml:"budget" json:"budget"`
	HTTP    HTTPConfig      `yaml:"http" json:"http"`
	Process ProcessConfig   `yaml:"process" json:"process"`
	Hooks   []HookDecl      `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

type BudgetConfig struct {
	MaxTokens     int64 `yaml:"max_tokens" json:"max_tokens"`
	MaxTurns      int64 `yaml:"max_turns" json:"max_turns"`
	MaxDurationMs int64 `yaml:"max_duration_ms" json:"max_duration_ms"`
	MaxSpendCents int64 `yaml:"max_spend_cents" json:"max_spend_cents"`
}

type HTTPConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs  int64   `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs   int64   `yaml:"max_delay_ms" json:"max_delay_ms"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	Burst        int     `yaml:"burst" json:"burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
}

type ProcessConfig struct {
	TimeoutMs      int64 `yaml:"timeout_ms" json:"timeout_ms"`
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes"`
}

// HookDecl is the YAML form of a hook registration.
type HookDecl struct {
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
	Action    string `yaml:"action" json:"action"`
	OneShot   bool   `yaml:"one_shot,omitempty" json:"one_shot,omitempty"`
	Fatal     bool   `yaml:"fatal,omitempty" json:"fatal,omitempty"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*ExecutionProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile ExecutionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Limits converts the profile's budget section. Zero fields stay
// unlimited.
func (p *ExecutionProfile) Limits() budget.Limits {
	return budget.Limits{
		MaxTokens:   p.Budget.MaxTokens,
		MaxTurns:    p.Budget.MaxTurns,
		MaxDuration: time.Duration(p.Budget.MaxDurationMs) * time.Millisecond,
		MaxSpend:    p.Budget.MaxSpendCents,
	}
}

// RetryPolicy converts the profile's http section, falling back to the
// primitive defaults for unset fields.
func (p *ExecutionProfile) RetryPolicy() primitive.RetryPolicy {
	policy := primitive.DefaultRetryPolicy()
	if p.HTTP.MaxAttempts > 0 {
		policy.MaxAttempts = p.HTTP.MaxAttempts
	}
	if p.HTTP.BaseDelayMs > 0 {
		policy.BaseDelay = time.Duration(p.HTTP.BaseDelayMs) * time.Millisecond
	}
	if p.HTTP.MaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(p.HTTP.MaxDelayMs) * time.Millisecond
	}
	return policy
}
