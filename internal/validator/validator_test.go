package validator

import (
	"testing"

	"github.com/stemsi/exstem-live/internal/model"
)

type flagPayload struct {
	Type     string         `json:"type" validate:"required,max=64"`
	Severity model.Severity `json:"severity" validate:"required,severity"`
}

type endPayload struct {
	SubmissionType string `json:"submissionType" validate:"omitempty,submission_type"`
	Status         string `json:"status" validate:"omitempty,session_status"`
}

func TestStructCustomTags(t *testing.T) {
	tests := []struct {
		name      string
		payload   any
		wantField string
	}{
		{"valid flag", flagPayload{Type: "tab_switch", Severity: model.SeverityHigh}, ""},
		{"bad severity", flagPayload{Type: "tab_switch", Severity: "extreme"}, "severity"},
		{"missing type", flagPayload{Severity: model.SeverityLow}, "type"},
		{"valid end", endPayload{SubmissionType: "normal", Status: "completed"}, ""},
		{"empty end", endPayload{}, ""},
		{"bad submission", endPayload{SubmissionType: "early"}, "submissionType"},
		{"bad status", endPayload{Status: "sleeping"}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := Struct(tt.payload)
			if tt.wantField == "" {
				if fields != nil {
					t.Fatalf("unexpected errors %v", fields)
				}
				return
			}
			if _, ok := fields[tt.wantField]; !ok {
				t.Fatalf("errors %v lack field %q", fields, tt.wantField)
			}
		})
	}
}
