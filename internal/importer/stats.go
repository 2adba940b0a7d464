package importer

import (
	"encoding/json"
	"fmt"
)

// Stats summarizes one import run. Assets, Vulnerabilities and Findings
// count records processed in committed hosts, whether created or updated.
type Stats struct {
	RunID       string `json:"run_id"`
	Integration string `json:"integration"`

	Assets          int      `json:"assets"`
	Vulnerabilities int      `json:"vulnerabilities"`
	Findings        int      `json:"findings"`
	Errors          []string `json:"errors"`

	AssetsCreated          int `json:"assets_created"`
	AssetsUpdated          int `json:"assets_updated"`
	VulnerabilitiesCreated int `json:"vulnerabilities_created"`
	VulnerabilitiesUpdated int `json:"vulnerabilities_updated"`
	FindingsCreated        int `json:"findings_created"`
	FindingsUpdated        int `json:"findings_updated"`

	// DefaultSeverityApplied counts items whose severity code had no active
	// mapping and fell back to Medium/5.
	DefaultSeverityApplied int `json:"default_severity_applied"`
	TransformWarnings      int `json:"transform_warnings"`

	HostsProcessed int `json:"hosts_processed"`
	HostsFailed    int `json:"hosts_failed"`

	maxErrors     int
	droppedErrors int
}

func newStats(runID, integration string, maxErrors int) Stats {
	return Stats{RunID: runID, Integration: integration, Errors: []string{}, maxErrors: maxErrors}
}

func (s *Stats) addError(msg string) {
	if s.maxErrors > 0 && len(s.Errors) >= s.maxErrors {
		s.droppedErrors++
		return
	}
	s.Errors = append(s.Errors, msg)
}

func (s *Stats) finish() {
	if s.droppedErrors > 0 {
		s.Errors = append(s.Errors, fmt.Sprintf("%d more errors not shown", s.droppedErrors))
		s.droppedErrors = 0
	}
}

// merge adds the counters of one committed host.
func (s *Stats) merge(d hostDelta) {
	s.Assets++
	if d.assetCreated {
		s.AssetsCreated++
	} else {
		s.AssetsUpdated++
	}
	s.Vulnerabilities += d.vulnerabilities
	s.VulnerabilitiesCreated += d.vulnerabilitiesCreated
	s.VulnerabilitiesUpdated += d.vulnerabilities - d.vulnerabilitiesCreated
	s.Findings += d.findings
	s.FindingsCreated += d.findingsCreated
	s.FindingsUpdated += d.findings - d.findingsCreated
	s.DefaultSeverityApplied += d.defaultSeverity
	s.TransformWarnings += d.transformWarnings
}

// AsMap renders the stats in their JSON shape for persistence.
func (s Stats) AsMap() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// hostDelta collects the counters of one host until its transaction commits.
type hostDelta struct {
	assetCreated           bool
	vulnerabilities        int
	vulnerabilitiesCreated int
	findings               int
	findingsCreated        int
	defaultSeverity        int
	transformWarnings      int
}
