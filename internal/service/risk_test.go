package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

func flags(sev ...model.Severity) []model.SecurityFlag {
	out := make([]model.SecurityFlag, len(sev))
	for i, s := range sev {
		out[i] = model.SecurityFlag{Type: model.FlagTabSwitch, Severity: s, Timestamp: time.Now()}
	}
	return out
}

func TestDefaultRiskPolicy(t *testing.T) {
	p := DefaultRiskPolicy()
	tests := []struct {
		name  string
		flags []model.SecurityFlag
		score int
		level model.RiskLevel
	}{
		{"none", nil, 0, model.RiskLow},
		{"one low", flags(model.SeverityLow), 5, model.RiskLow},
		{"two high", flags(model.SeverityHigh, model.SeverityHigh), 40, model.RiskMedium},
		{"high and critical", flags(model.SeverityHigh, model.SeverityCritical, model.SeverityLow), 60, model.RiskHigh},
		{"capped", flags(model.SeverityCritical, model.SeverityCritical, model.SeverityCritical), 100, model.RiskCritical},
		{"multiple faces bonus", []model.SecurityFlag{{Type: model.FlagMultipleFaces, Severity: model.SeverityMedium}}, 30, model.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Assess(tt.flags)
			if got.Score != tt.score || got.Level != tt.level || got.FlagCount != len(tt.flags) {
				t.Fatalf("Assess = %+v, want score %d level %s", got, tt.score, tt.level)
			}
		})
	}
}

func TestLoadRiskPolicyMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	doc := "severity_weights:\n  low: 50\nlevels:\n  critical: 90\n  high: 70\n  medium: 50\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadRiskPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.SeverityWeights[model.SeverityLow] != 50 || p.SeverityWeights[model.SeverityCritical] != 35 {
		t.Fatalf("weights = %v", p.SeverityWeights)
	}
	if p.Level(60) != model.RiskMedium {
		t.Fatalf("level(60) = %s, want medium", p.Level(60))
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("levels:\n  critical: 10\n  high: 70\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRiskPolicy(bad); err == nil {
		t.Fatal("unordered levels accepted")
	}
}
