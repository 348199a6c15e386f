// Package parsers decodes raw SNMP trap text and syslog lines into normalized
// event records consumable by the alarm engine. Parse failures never abort the
// pipeline; they produce a record flagged as a parse error instead.
package parsers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopyops/canopy/internal/models"
)

// SNMPTrap is the structured form of a received trap.
type SNMPTrap struct {
	TrapOID        string            `json:"trapOid"`
	TrapName       string            `json:"trapName,omitempty"`
	TrapType       string            `json:"trapType"`
	EnterpriseOID  string            `json:"enterpriseOid,omitempty"`
	EnterpriseName string            `json:"enterpriseName,omitempty"`
	AgentAddr      string            `json:"agentAddr,omitempty"`
	GenericTrap    int               `json:"genericTrap"`
	SpecificTrap   int               `json:"specificTrap"`
	Timestamp      time.Time         `json:"timestamp"`
	Varbinds       map[string]string `json:"varbinds,omitempty"`
	Severity       models.Severity   `json:"severity"`
	Description    string            `json:"description,omitempty"`
	ParsingErrors  []string          `json:"parsingErrors,omitempty"`
}

// Well-known generic trap OIDs under 1.3.6.1.6.3.1.1.5.
var wellKnownTraps = map[string]string{
	"1.3.6.1.6.3.1.1.5.1": "coldStart",
	"1.3.6.1.6.3.1.1.5.2": "warmStart",
	"1.3.6.1.6.3.1.1.5.3": "linkDown",
	"1.3.6.1.6.3.1.1.5.4": "linkUp",
	"1.3.6.1.6.3.1.1.5.5": "authenticationFailure",
	"1.3.6.1.6.3.1.1.5.6": "egpNeighborLoss",
}

// Enterprise OID prefixes mapped to vendor names.
var enterpriseVendors = map[string]string{
	"1.3.6.1.4.1.9":     "cisco",
	"1.3.6.1.4.1.2636":  "juniper",
	"1.3.6.1.4.1.11":    "hp",
	"1.3.6.1.4.1.6527":  "nokia",
	"1.3.6.1.4.1.25461": "paloalto",
	"1.3.6.1.4.1.14988": "mikrotik",
	"1.3.6.1.4.1.8072":  "net-snmp",
}

var trapSeverities = map[string]models.Severity{
	"linkDown":              models.SeverityMajor,
	"linkUp":                models.SeverityClear,
	"coldStart":             models.SeverityWarning,
	"warmStart":             models.SeverityWarning,
	"authenticationFailure": models.SeverityWarning,
	"egpNeighborLoss":       models.SeverityMinor,
}

// ParseSNMPTrap decodes a multi-line trap blob. Lines with literal key
// prefixes ("Trap OID:", "Agent Address:", ...) populate the header fields;
// remaining "OID = [type:] value" lines become varbinds. A failure on any one
// line is recorded in ParsingErrors and parsing continues.
func ParseSNMPTrap(raw string) *SNMPTrap {
	trap := &SNMPTrap{
		TrapType:  "snmp_trap",
		Timestamp: time.Now().UTC(),
		Varbinds:  make(map[string]string),
		Severity:  models.SeverityInfo,
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parseTrapLine(trap, line); err != nil {
			trap.ParsingErrors = append(trap.ParsingErrors, err.Error())
		}
	}

	if trap.TrapOID == "" && len(trap.Varbinds) == 0 {
		trap.TrapType = "parse_error"
		trap.ParsingErrors = append(trap.ParsingErrors, "no trap OID or varbinds found")
		return trap
	}

	finishTrap(trap)
	return trap
}

// TrapFromFields builds a trap record from already-decoded fields, e.g. the
// process_snmp_trap ingest operation which receives the OID and varbinds
// separately.
func TrapFromFields(trapOID string, varbinds map[string]string) *SNMPTrap {
	trap := &SNMPTrap{
		TrapOID:   trapOID,
		TrapType:  "snmp_trap",
		Timestamp: time.Now().UTC(),
		Varbinds:  make(map[string]string, len(varbinds)),
		Severity:  models.SeverityInfo,
	}
	for k, v := range varbinds {
		trap.Varbinds[k] = v
	}
	finishTrap(trap)
	return trap
}

func parseTrapLine(trap *SNMPTrap, line string) error {
	switch {
	case strings.HasPrefix(line, "Trap OID:"):
		trap.TrapOID = strings.TrimSpace(strings.TrimPrefix(line, "Trap OID:"))
	case strings.HasPrefix(line, "Agent Address:"):
		trap.AgentAddr = strings.TrimSpace(strings.TrimPrefix(line, "Agent Address:"))
	case strings.HasPrefix(line, "Enterprise:"):
		trap.EnterpriseOID = strings.TrimSpace(strings.TrimPrefix(line, "Enterprise:"))
	case strings.HasPrefix(line, "Generic Trap:"):
		v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Generic Trap:")))
		if err != nil {
			return fmt.Errorf("generic trap: %w", err)
		}
		trap.GenericTrap = v
	case strings.HasPrefix(line, "Specific Trap:"):
		v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Specific Trap:")))
		if err != nil {
			return fmt.Errorf("specific trap: %w", err)
		}
		trap.SpecificTrap = v
	case strings.HasPrefix(line, "Timestamp:"):
		ts := strings.TrimSpace(strings.TrimPrefix(line, "Timestamp:"))
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		trap.Timestamp = parsed.UTC()
	default:
		oid, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("unrecognized trap line %q", line)
		}
		oid = strings.TrimSpace(oid)
		value = strings.TrimSpace(value)
		// Strip an optional "type:" marker, e.g. "INTEGER: 2"
		if typeName, rest, ok := strings.Cut(value, ":"); ok && !strings.Contains(typeName, " ") && rest != "" {
			value = strings.TrimSpace(rest)
		}
		trap.Varbinds[oid] = value
	}
	return nil
}

func finishTrap(trap *SNMPTrap) {
	if name, ok := wellKnownTraps[trap.TrapOID]; ok {
		trap.TrapName = name
	}
	if trap.EnterpriseOID != "" {
		for prefix, vendor := range enterpriseVendors {
			if strings.HasPrefix(trap.EnterpriseOID, prefix) {
				trap.EnterpriseName = vendor
				break
			}
		}
	}

	if sev, ok := trapSeverities[trap.TrapName]; ok {
		trap.Severity = sev
	}
	// Varbind content escalates severity monotonically, never lowers it.
	for _, value := range trap.Varbinds {
		lower := strings.ToLower(value)
		switch {
		case strings.Contains(lower, "critical"):
			trap.Severity = models.MaxSeverity(trap.Severity, models.SeverityCritical)
		case strings.Contains(lower, "fail"), strings.Contains(lower, "error"):
			trap.Severity = models.MaxSeverity(trap.Severity, models.SeverityMajor)
		}
	}

	if trap.TrapName != "" {
		trap.Description = fmt.Sprintf("SNMP trap %s (%s)", trap.TrapName, trap.TrapOID)
	} else {
		trap.Description = fmt.Sprintf("SNMP trap %s", trap.TrapOID)
	}
}
