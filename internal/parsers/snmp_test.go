package parsers

import (
	"strings"
	"testing"

	"github.com/canopyops/canopy/internal/models"
)

func TestParseSNMPTrapLinkDown(t *testing.T) {
	raw := strings.Join([]string{
		"Trap OID: 1.3.6.1.6.3.1.1.5.3",
		"Agent Address: 192.0.2.10",
		"Generic Trap: 2",
		"Specific Trap: 0",
		"1.3.6.1.2.1.2.2.1.1 = INTEGER: 4",
		"1.3.6.1.2.1.2.2.1.7 = INTEGER: 2",
	}, "\n")

	trap := ParseSNMPTrap(raw)
	if trap.TrapName != "linkDown" {
		t.Fatalf("expected linkDown, got %q", trap.TrapName)
	}
	if trap.Severity != models.SeverityMajor {
		t.Fatalf("linkDown should be major, got %s", trap.Severity)
	}
	if trap.AgentAddr != "192.0.2.10" {
		t.Fatalf("agent address lost: %q", trap.AgentAddr)
	}
	if trap.GenericTrap != 2 {
		t.Fatalf("generic trap lost: %d", trap.GenericTrap)
	}
	if got := trap.Varbinds["1.3.6.1.2.1.2.2.1.1"]; got != "4" {
		t.Fatalf("varbind type marker not stripped: %q", got)
	}
	if len(trap.ParsingErrors) != 0 {
		t.Fatalf("unexpected parse errors: %v", trap.ParsingErrors)
	}
}

func TestParseSNMPTrapLinkUpIsClear(t *testing.T) {
	trap := ParseSNMPTrap("Trap OID: 1.3.6.1.6.3.1.1.5.4")
	if trap.TrapName != "linkUp" || trap.Severity != models.SeverityClear {
		t.Fatalf("linkUp should be clear severity, got %s/%s", trap.TrapName, trap.Severity)
	}
}

func TestParseSNMPTrapVarbindEscalation(t *testing.T) {
	raw := "Trap OID: 1.3.6.1.6.3.1.1.5.1\n1.3.6.1.4.1.9.9.1 = STRING: fan critical failure"
	trap := ParseSNMPTrap(raw)
	// coldStart is warning, but the varbind mentions "critical"
	if trap.Severity != models.SeverityCritical {
		t.Fatalf("varbind should escalate to critical, got %s", trap.Severity)
	}
}

func TestParseSNMPTrapEscalationNeverLowers(t *testing.T) {
	raw := "Trap OID: 1.3.6.1.6.3.1.1.5.3\n1.3.6.1.4.1.9.9.1 = STRING: link failed"
	trap := ParseSNMPTrap(raw)
	// linkDown is already major; "fail" maps to major, not below
	if trap.Severity != models.SeverityMajor {
		t.Fatalf("expected major, got %s", trap.Severity)
	}
}

func TestParseSNMPTrapEnterpriseVendor(t *testing.T) {
	raw := "Trap OID: 1.3.6.1.4.1.9.9.41.2.0.1\nEnterprise: 1.3.6.1.4.1.9.9.41"
	trap := ParseSNMPTrap(raw)
	if trap.EnterpriseName != "cisco" {
		t.Fatalf("expected cisco, got %q", trap.EnterpriseName)
	}
}

func TestParseSNMPTrapGarbageIsParseError(t *testing.T) {
	trap := ParseSNMPTrap("complete nonsense without any structure")
	if trap.TrapType != "parse_error" {
		t.Fatalf("expected parse_error type, got %q", trap.TrapType)
	}
	if len(trap.ParsingErrors) == 0 {
		t.Fatalf("expected parsing errors to be recorded")
	}
}

func TestParseSNMPTrapBadLineContinues(t *testing.T) {
	raw := "Trap OID: 1.3.6.1.6.3.1.1.5.2\nGeneric Trap: not-a-number\n1.3.6.1.2.1.1.3 = 12345"
	trap := ParseSNMPTrap(raw)
	if trap.TrapName != "warmStart" {
		t.Fatalf("good lines should survive a bad one, got %q", trap.TrapName)
	}
	if len(trap.ParsingErrors) != 1 {
		t.Fatalf("expected exactly one parse error, got %v", trap.ParsingErrors)
	}
	if trap.Varbinds["1.3.6.1.2.1.1.3"] != "12345" {
		t.Fatalf("varbind after bad line lost")
	}
}

func TestTrapFromFields(t *testing.T) {
	trap := TrapFromFields("1.3.6.1.6.3.1.1.5.5", map[string]string{
		"1.3.6.1.2.1.1.5": "edge-router-1",
	})
	if trap.TrapName != "authenticationFailure" {
		t.Fatalf("expected authenticationFailure, got %q", trap.TrapName)
	}
	if trap.Severity != models.SeverityWarning {
		t.Fatalf("expected warning, got %s", trap.Severity)
	}
	if trap.Varbinds["1.3.6.1.2.1.1.5"] != "edge-router-1" {
		t.Fatalf("varbinds not copied")
	}
}

func TestNormalizeTrapFieldResolution(t *testing.T) {
	trap := TrapFromFields("1.3.6.1.6.3.1.1.5.3", nil)
	event := NormalizeTrap(trap, "sw-01", "192.0.2.1", "")

	if event.Type != models.EventTypeSNMPTrap {
		t.Fatalf("wrong event type: %s", event.Type)
	}
	if v, ok := event.Field("device"); !ok || v != "sw-01" {
		t.Fatalf("device field resolution failed: %q %v", v, ok)
	}
	if v, ok := event.Field("trap_oid"); !ok || v != "1.3.6.1.6.3.1.1.5.3" {
		t.Fatalf("trap_oid detail resolution failed: %q %v", v, ok)
	}
	if _, ok := event.Field("nonexistent"); ok {
		t.Fatalf("unknown field should not resolve")
	}
}
