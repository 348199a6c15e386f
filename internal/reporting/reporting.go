// Package reporting renders network performance reports as CSV or PDF.
// The orchestrator assembles a ReportData from the engines' read APIs; the
// generators only format.
package reporting

import (
	"time"

	"github.com/canopyops/canopy/internal/alarms"
	"github.com/canopyops/canopy/internal/flows"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/sla"
	"github.com/canopyops/canopy/internal/stats"
)

// Format selects the output encoding of a report.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ProbeReport is one probe's aggregated performance over the report period.
type ProbeReport struct {
	Probe      models.Probe
	Statistics stats.ProbeStatistics
	Compliance *sla.Compliance // nil when no policy is linked
}

// ReportData is everything a network performance report renders.
type ReportData struct {
	TenantID    string
	Title       string
	Start       time.Time
	End         time.Time
	GeneratedAt time.Time

	Probes     []ProbeReport
	AlarmStats alarms.Statistics
	Violations []*models.SLAViolation
	Traffic    flows.TrafficSummary
	TopTalkers []flows.TopTalker
	Protocols  []flows.ProtocolStat
}

// Generator renders a ReportData into a byte stream.
type Generator interface {
	Generate(data *ReportData) ([]byte, error)
}

// NewGenerator returns the generator for the requested format, defaulting
// to CSV for unknown values.
func NewGenerator(format Format) Generator {
	if format == FormatPDF {
		return NewPDFGenerator()
	}
	return NewCSVGenerator()
}

// severityOrder fixes the rendering order of severity breakdowns.
var severityOrder = []models.Severity{
	models.SeverityCritical,
	models.SeverityMajor,
	models.SeverityMinor,
	models.SeverityWarning,
	models.SeverityInfo,
}
