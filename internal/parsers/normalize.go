package parsers

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/canopyops/canopy/internal/models"
)

// EventSource identifies the device an event originated from.
type EventSource struct {
	Device string `json:"device,omitempty"`
	IP     string `json:"ip,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Event is the common envelope both parsed forms are projected onto before
// entering the alarm engine.
type Event struct {
	Type          models.EventType  `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        EventSource       `json:"source"`
	Severity      models.Severity   `json:"severity"`
	Category      string            `json:"category,omitempty"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	RawData       string            `json:"rawData,omitempty"`
	ParsingErrors []string          `json:"parsingErrors,omitempty"`
}

// Field resolves a match-criteria key against the envelope. Well-known keys
// map to envelope fields; everything else is looked up in Details.
func (e *Event) Field(key string) (string, bool) {
	switch key {
	case "event_type":
		return string(e.Type), true
	case "device":
		return e.Source.Device, e.Source.Device != ""
	case "source_ip":
		return e.Source.IP, e.Source.IP != ""
	case "severity":
		return string(e.Severity), true
	case "category":
		return e.Category, e.Category != ""
	case "title":
		return e.Title, e.Title != ""
	case "description":
		return e.Description, e.Description != ""
	}
	v, ok := e.Details[key]
	return v, ok
}

// NormalizeTrap projects a parsed trap onto the common envelope.
func NormalizeTrap(trap *SNMPTrap, device, ip, raw string) *Event {
	details := map[string]string{
		"trap_oid":      trap.TrapOID,
		"generic_trap":  strconv.Itoa(trap.GenericTrap),
		"specific_trap": strconv.Itoa(trap.SpecificTrap),
	}
	if trap.TrapName != "" {
		details["trap_name"] = trap.TrapName
	}
	if trap.EnterpriseOID != "" {
		details["enterprise_oid"] = trap.EnterpriseOID
	}
	if trap.EnterpriseName != "" {
		details["enterprise_name"] = trap.EnterpriseName
	}
	if trap.AgentAddr != "" {
		details["agent_addr"] = trap.AgentAddr
	}
	for oid, value := range trap.Varbinds {
		details[oid] = value
	}

	title := trap.TrapName
	if title == "" {
		title = "SNMP trap " + trap.TrapOID
	}
	if trap.TrapType == "parse_error" {
		title = "Unparseable SNMP trap"
	}

	return &Event{
		Type:          models.EventTypeSNMPTrap,
		Timestamp:     trap.Timestamp,
		Source:        EventSource{Device: device, IP: ip, Type: "network_device"},
		Severity:      trap.Severity,
		Category:      "fault",
		Title:         title,
		Description:   trap.Description,
		Details:       details,
		RawData:       raw,
		ParsingErrors: trap.ParsingErrors,
	}
}

// NormalizeSyslog projects a parsed syslog event onto the common envelope.
func NormalizeSyslog(event *SyslogEvent, device, ip, raw string) *Event {
	details := map[string]string{
		"facility":      strconv.Itoa(event.Facility),
		"facility_name": event.FacilityName,
		"severity_num":  strconv.Itoa(event.Severity),
		"severity_name": event.SeverityName,
		"message":       event.Message,
	}
	if event.Hostname != "" {
		details["hostname"] = event.Hostname
	}
	if event.Program != "" {
		details["program"] = event.Program
	}
	if event.PID != 0 {
		details["pid"] = strconv.Itoa(event.PID)
	}
	if event.PotentialSecurityEvent {
		details["security_event"] = "true"
	}

	category := "log"
	if event.PotentialSecurityEvent {
		category = "security"
	}

	title := truncateRunes(event.Message, 120)
	if event.Program != "" {
		title = event.Program + ": " + title
	}

	return &Event{
		Type:          models.EventTypeSyslog,
		Timestamp:     event.Timestamp,
		Source:        EventSource{Device: device, IP: ip, Type: "host"},
		Severity:      syslogSeverityToModel(event.Severity),
		Category:      category,
		Title:         title,
		Description:   event.Message,
		Details:       details,
		RawData:       raw,
		ParsingErrors: event.ParsingErrors,
	}
}

// truncateRunes caps s at max bytes without splitting a multi-byte rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func syslogSeverityToModel(sev int) models.Severity {
	switch sev {
	case 0, 1, 2:
		return models.SeverityCritical
	case 3:
		return models.SeverityMajor
	case 4:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
