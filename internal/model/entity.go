package model

import "time"

const (
	BaselineCategory   = "Host"
	UnknownHostName    = "Unknown Host"
	UnknownVulnTitle   = "Unknown Vulnerability"
	DefaultSeverity    = "Medium"
	DefaultSeverityLvl = 5
)

const (
	StatusOpen          = "open"
	StatusFixed         = "fixed"
	StatusAccepted      = "accepted"
	StatusFalsePositive = "false_positive"
)

type Asset struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	CategoryID      int64          `json:"category_id"`
	SubtypeID       *int64         `json:"subtype_id,omitempty"`
	Hostname        string         `json:"hostname,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	MACAddress      string         `json:"mac_address,omitempty"`
	OperatingSystem string         `json:"operating_system,omitempty"`
	Extra           map[string]any `json:"extra"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AssetKey is the deduplication identity of an asset.
type AssetKey struct {
	Hostname   string
	IPAddress  string
	Name       string
	CategoryID int64
}

// ByNetwork reports whether the key identifies the asset by hostname and IP.
func (k AssetKey) ByNetwork() bool {
	return k.Hostname != "" && k.IPAddress != ""
}

func (a *Asset) Key() AssetKey {
	if a.Hostname != "" && a.IPAddress != "" {
		return AssetKey{Hostname: a.Hostname, IPAddress: a.IPAddress}
	}
	return AssetKey{Name: a.Name, CategoryID: a.CategoryID}
}

type Vulnerability struct {
	ID             int64          `json:"id"`
	ExternalSource string         `json:"external_source"`
	ExternalID     string         `json:"external_id"`
	CVEID          string         `json:"cve_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	FixInfo        string         `json:"fix_info"`
	SeverityLabel  string         `json:"severity_label"`
	SeverityLevel  int            `json:"severity_level"`
	CVSSScore      *float64       `json:"cvss_score,omitempty"`
	RiskFactor     string         `json:"risk_factor,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	ModifiedAt     *time.Time     `json:"modified_at,omitempty"`
	References     []string       `json:"references"`
	Exploit        map[string]any `json:"exploit"`
	CVSS           map[string]any `json:"cvss"`
	Extra          map[string]any `json:"extra"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Normalize replaces nil collections with empty ones so the persisted shape
// stays stable.
func (v *Vulnerability) Normalize() {
	if v.References == nil {
		v.References = []string{}
	}
	if v.Exploit == nil {
		v.Exploit = map[string]any{}
	}
	if v.CVSS == nil {
		v.CVSS = map[string]any{}
	}
	if v.Extra == nil {
		v.Extra = map[string]any{}
	}
}

type Finding struct {
	ID              int64          `json:"id"`
	AssetID         int64          `json:"asset_id"`
	VulnerabilityID int64          `json:"vulnerability_id"`
	IntegrationID   int64          `json:"integration_id"`
	Port            int            `json:"port"`
	Protocol        string         `json:"protocol"`
	Service         string         `json:"service"`
	Status          string         `json:"status"`
	PluginOutput    string         `json:"plugin_output"`
	SeverityLevel   int            `json:"severity_level"`
	RiskScore       float64        `json:"risk_score"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	FixedAt         *time.Time     `json:"fixed_at,omitempty"`
	Details         map[string]any `json:"details"`
}

// FindingKey is the occurrence identity of a finding.
type FindingKey struct {
	AssetID         int64
	VulnerabilityID int64
	IntegrationID   int64
	Port            int
	Protocol        string
	Service         string
}

func (f *Finding) Key() FindingKey {
	return FindingKey{
		AssetID:         f.AssetID,
		VulnerabilityID: f.VulnerabilityID,
		IntegrationID:   f.IntegrationID,
		Port:            f.Port,
		Protocol:        f.Protocol,
		Service:         f.Service,
	}
}
