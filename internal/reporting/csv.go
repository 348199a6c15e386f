package reporting

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// CSVGenerator handles CSV report generation.
type CSVGenerator struct{}

// NewCSVGenerator creates a new CSV generator.
func NewCSVGenerator() *CSVGenerator {
	return &CSVGenerator{}
}

// Generate creates a CSV report from the provided data.
func (g *CSVGenerator) Generate(data *ReportData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := g.writeHeader(w, data); err != nil {
		return nil, fmt.Errorf("write CSV header section: %w", err)
	}
	if err := g.writeProbes(w, data); err != nil {
		return nil, fmt.Errorf("write CSV probe section: %w", err)
	}
	if err := g.writeAlarms(w, data); err != nil {
		return nil, fmt.Errorf("write CSV alarm section: %w", err)
	}
	if err := g.writeTraffic(w, data); err != nil {
		return nil, fmt.Errorf("write CSV traffic section: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *CSVGenerator) writeHeader(w *csv.Writer, data *ReportData) error {
	headers := [][]string{
		{"# Canopy Network Performance Report"},
		{"# Title:", data.Title},
		{"# Tenant:", data.TenantID},
		{"# Period:", fmt.Sprintf("%s to %s", data.Start.Format(time.RFC3339), data.End.Format(time.RFC3339))},
		{"# Generated:", data.GeneratedAt.Format(time.RFC3339)},
		{""},
	}
	for _, row := range headers {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write header row %q: %w", row[0], err)
		}
	}
	return nil
}

func (g *CSVGenerator) writeProbes(w *csv.Writer, data *ReportData) error {
	if err := w.Write([]string{"# PROBES"}); err != nil {
		return err
	}
	columns := []string{"Name", "Type", "Target", "Availability %", "Avg ms", "P95 ms", "P99 ms", "Samples", "SLA Status"}
	if err := w.Write(columns); err != nil {
		return err
	}
	for _, pr := range data.Probes {
		slaStatus := "-"
		if pr.Compliance != nil {
			slaStatus = string(pr.Compliance.Status)
		}
		row := []string{
			pr.Probe.Name,
			string(pr.Probe.Type),
			pr.Probe.Target,
			fmt.Sprintf("%.3f", pr.Statistics.AvailabilityPercent),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.AverageMs),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.P95Ms),
			fmt.Sprintf("%.1f", pr.Statistics.Latency.P99Ms),
			fmt.Sprintf("%d", pr.Statistics.TotalRuns),
			slaStatus,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write probe row %q: %w", pr.Probe.Name, err)
		}
	}
	return w.Write([]string{""})
}

func (g *CSVGenerator) writeAlarms(w *csv.Writer, data *ReportData) error {
	if err := w.Write([]string{"# ALARMS"}); err != nil {
		return err
	}
	if err := w.Write([]string{"Severity", "Active"}); err != nil {
		return err
	}
	for _, severity := range severityOrder {
		count := data.AlarmStats.BySeverity[severity]
		if count == 0 {
			continue
		}
		if err := w.Write([]string{string(severity), fmt.Sprintf("%d", count)}); err != nil {
			return err
		}
	}
	if err := w.Write([]string{"total", fmt.Sprintf("%d", data.AlarmStats.TotalActive)}); err != nil {
		return err
	}

	if len(data.Violations) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return err
		}
		if err := w.Write([]string{"# SLA VIOLATIONS"}); err != nil {
			return err
		}
		if err := w.Write([]string{"Probe", "Availability %", "Threshold %", "Detected", "Resolved"}); err != nil {
			return err
		}
		for _, v := range data.Violations {
			resolved := "open"
			if v.ResolvedAt != nil {
				resolved = v.ResolvedAt.Format(time.RFC3339)
			}
			row := []string{
				v.ProbeID,
				fmt.Sprintf("%.3f", v.ActualAvailability),
				fmt.Sprintf("%.3f", v.AvailabilityThreshold),
				v.DetectedAt.Format(time.RFC3339),
				resolved,
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write violation row %q: %w", v.ID, err)
			}
		}
	}
	return w.Write([]string{""})
}

func (g *CSVGenerator) writeTraffic(w *csv.Writer, data *ReportData) error {
	if err := w.Write([]string{"# TRAFFIC"}); err != nil {
		return err
	}
	summary := [][]string{
		{"Total Flows", fmt.Sprintf("%d", data.Traffic.TotalFlows)},
		{"Total Bytes", fmt.Sprintf("%d", data.Traffic.TotalBytes)},
		{"Total Packets", fmt.Sprintf("%d", data.Traffic.TotalPackets)},
		{"Distinct Sources", fmt.Sprintf("%d", data.Traffic.DistinctSrc)},
		{"Distinct Destinations", fmt.Sprintf("%d", data.Traffic.DistinctDst)},
	}
	for _, row := range summary {
		if err := w.Write(row); err != nil {
			return err
		}
	}

	if len(data.TopTalkers) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return err
		}
		if err := w.Write([]string{"# TOP TALKERS"}); err != nil {
			return err
		}
		if err := w.Write([]string{"Rank", "Source", "Bytes", "Packets", "Flows"}); err != nil {
			return err
		}
		for _, talker := range data.TopTalkers {
			row := []string{
				fmt.Sprintf("%d", talker.Rank),
				talker.SrcAddr,
				fmt.Sprintf("%d", talker.Bytes),
				fmt.Sprintf("%d", talker.Packets),
				fmt.Sprintf("%d", talker.Flows),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write talker row %q: %w", talker.SrcAddr, err)
			}
		}
	}
	return nil
}
