package scoring

import "testing"

func TestScoreFinding(t *testing.T) {
	tests := []struct {
		name string
		in   Finding
		want float64
	}{
		{"critical_label", Finding{SeverityLabel: "Critical", SeverityLevel: 10}, 100},
		{"high_label_wins_over_level", Finding{SeverityLabel: "High", SeverityLevel: 3}, 80},
		{"medium_default", Finding{SeverityLabel: "Medium", SeverityLevel: 5}, 50},
		{"low_label", Finding{SeverityLabel: " low ", SeverityLevel: 2}, 20},
		{"info_label", Finding{SeverityLabel: "INFO", SeverityLevel: 0}, 10},
		{"custom_label_uses_level", Finding{SeverityLabel: "Urgent", SeverityLevel: 7}, 70},
		{"level_clamped", Finding{SeverityLabel: "", SeverityLevel: 42}, 100},
		{"negative_level_clamped", Finding{SeverityLevel: -3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreFinding(tt.in); got != tt.want {
				t.Fatalf("ScoreFinding(%+v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
