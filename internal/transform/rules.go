// Package transform applies named transformation rules and type coercion to
// raw values pulled from a scan document.
package transform

import (
	"strconv"
	"strings"

	"github.com/solardome/vuln-importer/internal/model"
)

// Rule identifies one built-in transformation. The set is closed; a mapping
// naming anything else passes its raw value through with an *Error.
type Rule string

const (
	RuleNone            Rule = ""
	RuleSystemTypeMap   Rule = "nessus_system_type_map"
	RuleDefaultCategory Rule = "default_scanner_category"
	RuleSeverityMap     Rule = "severity_map"
	RuleFirst           Rule = "first"
	RuleLast            Rule = "last"
	RuleLower           Rule = "lower"
	RuleUpper           Rule = "upper"
	RuleStrip           Rule = "strip"
	RuleJoin            Rule = "join"
	RuleCount           Rule = "count"
)

var knownRules = map[Rule]bool{
	RuleNone:            true,
	RuleSystemTypeMap:   true,
	RuleDefaultCategory: true,
	RuleSeverityMap:     true,
	RuleFirst:           true,
	RuleLast:            true,
	RuleLower:           true,
	RuleUpper:           true,
	RuleStrip:           true,
	RuleJoin:            true,
	RuleCount:           true,
}

// ParseRule normalizes a stored rule name and reports whether it is known.
func ParseRule(name string) (Rule, bool) {
	r := Rule(strings.TrimSpace(name))
	return r, knownRules[r]
}

// needsInput reports whether the rule is skipped when the raw value is absent.
func (r Rule) needsInput() bool {
	return r != RuleDefaultCategory
}

// vendorSubtypes maps Nessus system-type values to subtype names under the
// baseline category.
var vendorSubtypes = map[string]string{
	"general-purpose":       "Server",
	"embedded":              "Appliance",
	"router":                "Router",
	"switch":                "Switch",
	"firewall":              "Firewall",
	"load-balancer":         "Load Balancer",
	"storage":               "Storage Device",
	"printer":               "Printer",
	"scanner":               "Scanner",
	"wireless-access-point": "Network Device",
	"voip-adapter":          "Network Device",
	"voip-phone":            "Network Device",
	"webcam":                "IoT Device",
	"game-console":          "IoT Device",
	"media-device":          "IoT Device",
	"terminal-server":       "Server",
	"hypervisor":            "Virtual Machine",
	"virtualization":        "Virtual Machine",
	"scada":                 "IoT Device",
	"broadband-router":      "Router",
	"PoS":                   "Appliance",
	"VNC":                   "Server",
	"X11":                   "Workstation",
	"Windows":               "Workstation",
	"Linux":                 "Server",
	"Unix":                  "Server",
	"Mac":                   "Workstation",
}

// substring fallbacks, checked in order
var vendorSubtypeHints = []struct {
	needles []string
	subtype string
}{
	{[]string{"server", "linux", "unix"}, "Server"},
	{[]string{"router"}, "Router"},
	{[]string{"switch"}, "Switch"},
	{[]string{"firewall"}, "Firewall"},
	{[]string{"windows", "workstation"}, "Workstation"},
	{[]string{"printer"}, "Printer"},
	{[]string{"storage", "nas"}, "Storage Device"},
}

const defaultVendorSubtype = "Server"

// SubtypeName resolves a vendor device category to a subtype name: exact
// match first, then substring hints, then Server.
func SubtypeName(systemType string) string {
	systemType = strings.TrimSpace(systemType)
	if name, ok := vendorSubtypes[systemType]; ok {
		return name
	}
	lower := strings.ToLower(systemType)
	for _, hint := range vendorSubtypeHints {
		for _, needle := range hint.needles {
			if strings.Contains(lower, needle) {
				return hint.subtype
			}
		}
	}
	return defaultVendorSubtype
}

func (e *Engine) applyRule(rule Rule, raw Raw) (any, bool) {
	switch rule {
	case RuleSystemTypeMap:
		// Nessus may report several types separated by newlines.
		first := raw.First()
		if i := strings.IndexByte(first, '\n'); i >= 0 {
			first = first[:i]
		}
		id, ok := e.tables.SubtypeIDs[SubtypeName(first)]
		if !ok {
			return nil, false
		}
		return id, false
	case RuleDefaultCategory:
		if e.tables.DefaultCategoryID == 0 {
			return nil, false
		}
		return e.tables.DefaultCategoryID, false
	case RuleSeverityMap:
		code := strings.TrimSpace(raw.First())
		if sm, ok := e.tables.Severities[code]; ok {
			return int64(sm.InternalLevel), false
		}
		return int64(model.DefaultSeverityLvl), true
	case RuleFirst:
		if raw.IsList() {
			return raw.values[0], false
		}
		head, _, _ := strings.Cut(raw.First(), ",")
		return strings.TrimSpace(head), false
	case RuleLast:
		if raw.IsList() {
			return raw.values[len(raw.values)-1], false
		}
		parts := strings.Split(raw.First(), ",")
		return strings.TrimSpace(parts[len(parts)-1]), false
	case RuleLower:
		return raw.mapStrings(strings.ToLower), false
	case RuleUpper:
		return raw.mapStrings(strings.ToUpper), false
	case RuleStrip:
		return raw.mapStrings(strings.TrimSpace), false
	case RuleJoin:
		return strings.Join(raw.values, ","), false
	case RuleCount:
		if raw.IsList() {
			return int64(len(raw.values)), false
		}
		n := 0
		for _, part := range strings.Split(raw.First(), ",") {
			if strings.TrimSpace(part) != "" {
				n++
			}
		}
		return int64(n), false
	}
	return raw.value(), false
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
