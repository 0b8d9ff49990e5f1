package service

import (
	"fmt"
	"os"

	"github.com/stemsi/exstem-live/internal/model"
	"gopkg.in/yaml.v3"
)

// RiskPolicy turns a session's security flags into a bounded risk score.
type RiskPolicy struct {
	SeverityWeights map[model.Severity]int `yaml:"severity_weights"`
	// TypeBonus adds points for flag types that warrant more than their severity.
	TypeBonus map[string]int `yaml:"type_bonus"`
	MaxScore  int            `yaml:"max_score"`
	Levels    RiskLevels     `yaml:"levels"`
}

// RiskLevels are the minimum scores of each level above low.
type RiskLevels struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Medium   int `yaml:"medium"`
}

// DefaultRiskPolicy returns the built-in policy.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		SeverityWeights: map[model.Severity]int{
			model.SeverityLow:      5,
			model.SeverityMedium:   10,
			model.SeverityHigh:     20,
			model.SeverityCritical: 35,
		},
		TypeBonus: map[string]int{
			model.FlagMultipleFaces: 20,
		},
		MaxScore: 100,
		Levels:   RiskLevels{Critical: 80, High: 60, Medium: 40},
	}
}

// LoadRiskPolicy reads a YAML policy file. Fields absent from the file keep
// their default values. An empty path yields the default policy.
func LoadRiskPolicy(path string) (RiskPolicy, error) {
	policy := DefaultRiskPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, err
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse risk policy: %w", err)
	}
	if err := policy.validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func (p RiskPolicy) validate() error {
	for sev := range p.SeverityWeights {
		if !sev.Valid() {
			return fmt.Errorf("risk policy: unknown severity %q", sev)
		}
	}
	if p.MaxScore <= 0 {
		return fmt.Errorf("risk policy: max_score must be positive")
	}
	l := p.Levels
	if !(l.Medium <= l.High && l.High <= l.Critical) {
		return fmt.Errorf("risk policy: levels must be ordered medium <= high <= critical")
	}
	return nil
}

// Assess scores a list of flags.
func (p RiskPolicy) Assess(flags []model.SecurityFlag) model.RiskAssessment {
	score := 0
	for _, f := range flags {
		score += p.SeverityWeights[f.Severity] + p.TypeBonus[f.Type]
		if score >= p.MaxScore {
			score = p.MaxScore
			break
		}
	}
	return model.RiskAssessment{
		Score:     score,
		Level:     p.Level(score),
		FlagCount: len(flags),
	}
}

// Level maps a score onto a risk level.
func (p RiskPolicy) Level(score int) model.RiskLevel {
	switch {
	case score >= p.Levels.Critical:
		return model.RiskCritical
	case score >= p.Levels.High:
		return model.RiskHigh
	case score >= p.Levels.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}
