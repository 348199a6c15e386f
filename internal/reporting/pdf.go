package reporting

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// Color scheme - professional dark blue theme
var (
	colorPrimary     = [3]int{30, 58, 95}    // Dark navy
	colorAccent      = [3]int{46, 204, 113}  // Green
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorBackground  = [3]int{248, 249, 250} // Light gray bg
	colorTableHeader = [3]int{30, 58, 95}    // Navy header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Rules
)

// PDFGenerator handles PDF report generation.
type PDFGenerator struct{}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate creates a PDF report from the provided data.
func (g *PDFGenerator) Generate(data *ReportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	g.writeCoverPage(pdf, data)

	pdf.AddPage()
	g.sectionTitle(pdf, "Probe Performance")
	g.writeProbeTable(pdf, data)

	g.sectionTitle(pdf, "Alarms")
	g.writeAlarmSummary(pdf, data)

	if len(data.Violations) > 0 {
		g.sectionTitle(pdf, "SLA Violations")
		g.writeViolationTable(pdf, data)
	}

	g.sectionTitle(pdf, "Traffic")
	g.writeTrafficSection(pdf, data)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeCoverPage(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.AddPage()
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(50)
	pdf.SetFont("Arial", "B", 32)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 15, "CANOPY", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, "Service Assurance", "", 1, "C", false, 0, "")

	pdf.SetY(100)
	pdf.SetFont("Arial", "B", 28)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 12, "Network Performance Report", "", 1, "C", false, 0, "")

	pdf.SetY(130)
	boxX := 40.0
	boxWidth := pageWidth - 80

	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.RoundedRect(boxX, pdf.GetY(), boxWidth, 40, 3, "1234", "FD")

	pdf.SetY(pdf.GetY() + 8)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, "TENANT", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, data.TenantID, "", 1, "C", false, 0, "")

	pdf.SetY(200)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, "REPORTING PERIOD", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	period := fmt.Sprintf("%s  to  %s",
		data.Start.Format("2006-01-02 15:04"), data.End.Format("2006-01-02 15:04"))
	pdf.CellFormat(0, 8, period, "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, "Generated "+data.GeneratedAt.Format(time.RFC1123), "", 1, "C", false, 0, "")
}

func (g *PDFGenerator) sectionTitle(pdf *fpdf.Fpdf, title string) {
	if pdf.GetY() > 240 {
		pdf.AddPage()
	}
	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.Line(20, pdf.GetY(), 190, pdf.GetY())
	pdf.Ln(3)
}

func (g *PDFGenerator) tableHeader(pdf *fpdf.Fpdf, widths []float64, labels []string) {
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	for i, label := range labels {
		pdf.CellFormat(widths[i], 7, label, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetFont("Arial", "", 9)
}

func (g *PDFGenerator) tableRow(pdf *fpdf.Fpdf, widths []float64, cells []string, alt bool) {
	if alt {
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
	} else {
		pdf.SetFillColor(255, 255, 255)
	}
	for i, cell := range cells {
		pdf.CellFormat(widths[i], 6, cell, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func (g *PDFGenerator) writeProbeTable(pdf *fpdf.Fpdf, data *ReportData) {
	widths := []float64{45, 18, 25, 22, 20, 20, 20}
	g.tableHeader(pdf, widths, []string{"Probe", "Type", "Availability", "Avg ms", "P95 ms", "P99 ms", "SLA"})
	for i, pr := range data.Probes {
		slaStatus := "-"
		if pr.Compliance != nil {
			slaStatus = string(pr.Compliance.Status)
		}
		g.tableRow(pdf, widths, []string{
			truncate(pr.Probe.Name, 28),
			string(pr.Probe.Type),
			fmt.Sprintf("%.3f%%", pr.Statistics.AvailabilityPercent),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.AverageMs),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.P95Ms),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.P99Ms),
			slaStatus,
		}, i%2 == 1)
	}
	pdf.Ln(4)
}

func (g *PDFGenerator) writeAlarmSummary(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.SetFont("Arial", "", 10)
	active := data.AlarmStats.TotalActive
	if active == 0 {
		pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
		pdf.CellFormat(0, 7, "No active alarms", "", 1, "L", false, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.Ln(2)
		return
	}

	pdf.SetTextColor(colorDanger[0], colorDanger[1], colorDanger[2])
	pdf.CellFormat(0, 7, fmt.Sprintf("%d active alarms", active), "", 1, "L", false, 0, "")
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

	widths := []float64{40, 30}
	g.tableHeader(pdf, widths, []string{"Severity", "Count"})
	alt := false
	for _, severity := range severityOrder {
		count := data.AlarmStats.BySeverity[severity]
		if count == 0 {
			continue
		}
		g.tableRow(pdf, widths, []string{string(severity), fmt.Sprintf("%d", count)}, alt)
		alt = !alt
	}
	pdf.Ln(4)
}

func (g *PDFGenerator) writeViolationTable(pdf *fpdf.Fpdf, data *ReportData) {
	widths := []float64{50, 28, 28, 40, 24}
	g.tableHeader(pdf, widths, []string{"Probe", "Actual %", "Threshold %", "Detected", "State"})
	for i, v := range data.Violations {
		state := "open"
		if v.ResolvedAt != nil {
			state = "resolved"
		}
		g.tableRow(pdf, widths, []string{
			truncate(v.ProbeID, 30),
			fmt.Sprintf("%.3f", v.ActualAvailability),
			fmt.Sprintf("%.3f", v.AvailabilityThreshold),
			v.DetectedAt.Format("2006-01-02 15:04"),
			state,
		}, i%2 == 1)
	}
	pdf.Ln(4)
}

func (g *PDFGenerator) writeTrafficSection(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.SetFont("Arial", "", 10)
	summary := fmt.Sprintf("%d flows, %s, %d sources, %d destinations",
		data.Traffic.TotalFlows, formatBytes(data.Traffic.TotalBytes),
		data.Traffic.DistinctSrc, data.Traffic.DistinctDst)
	pdf.CellFormat(0, 7, summary, "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(data.TopTalkers) > 0 {
		widths := []float64{15, 55, 35, 30, 25}
		g.tableHeader(pdf, widths, []string{"#", "Source", "Bytes", "Packets", "Flows"})
		for i, talker := range data.TopTalkers {
			g.tableRow(pdf, widths, []string{
				fmt.Sprintf("%d", talker.Rank),
				talker.SrcAddr,
				formatBytes(talker.Bytes),
				fmt.Sprintf("%d", talker.Packets),
				fmt.Sprintf("%d", talker.Flows),
			}, i%2 == 1)
		}
		pdf.Ln(4)
	}

	if len(data.Protocols) > 0 {
		widths := []float64{35, 35, 30}
		g.tableHeader(pdf, widths, []string{"Protocol", "Bytes", "Flows"})
		for i, stat := range data.Protocols {
			g.tableRow(pdf, widths, []string{
				stat.Name,
				formatBytes(stat.Bytes),
				fmt.Sprintf("%d", stat.Flows),
			}, i%2 == 1)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
