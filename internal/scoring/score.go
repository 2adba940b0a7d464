// Package scoring derives the finding risk score from normalized severity.
package scoring

import "strings"

// labelWeights are on the 0-10 severity scale; the risk score is weight*10.
var labelWeights = map[string]int{
	"critical": 10,
	"high":     8,
	"medium":   5,
	"low":      2,
	"info":     1,
}

type Finding struct {
	SeverityLabel string
	SeverityLevel int
}

// ScoreFinding returns a 0-100 risk score. The severity label wins when it
// is one of the standard labels; otherwise the numeric level is used.
func ScoreFinding(f Finding) float64 {
	weight, ok := labelWeights[normalizeToken(f.SeverityLabel)]
	if !ok {
		weight = f.SeverityLevel
	}
	return float64(clamp(weight*10, 0, 100))
}

func normalizeToken(s string) string {
	t := strings.TrimSpace(strings.ToLower(s))
	if t == "" {
		return "unknown"
	}
	return t
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
