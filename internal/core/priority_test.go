package core

import "testing"

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"NORMAL", PriorityNormal, false},
		{"", PriorityNormal, false},
		{" High ", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{"urgent", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPriority_IsElevated(t *testing.T) {
	if PriorityLow.IsElevated() || PriorityNormal.IsElevated() {
		t.Error("LOW and NORMAL must not be elevated")
	}
	if !PriorityHigh.IsElevated() || !PriorityCritical.IsElevated() {
		t.Error("HIGH and CRITICAL must be elevated")
	}
	if PriorityCritical.String() != "CRITICAL" {
		t.Errorf("String() = %q", PriorityCritical.String())
	}
}
