package flows

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/stats"
)

// GroupKey is a dimension usable in aggregation group_by lists.
type GroupKey string

const (
	GroupBySrcAddr     GroupKey = "src_addr"
	GroupByDstAddr     GroupKey = "dst_addr"
	GroupBySrcPort     GroupKey = "src_port"
	GroupByDstPort     GroupKey = "dst_port"
	GroupByProtocol    GroupKey = "protocol"
	GroupByExporterIP  GroupKey = "exporter_ip"
	GroupByCollectorID GroupKey = "collector_id"
)

var validGroupKeys = map[GroupKey]bool{
	GroupBySrcAddr: true, GroupByDstAddr: true,
	GroupBySrcPort: true, GroupByDstPort: true,
	GroupByProtocol: true, GroupByExporterIP: true, GroupByCollectorID: true,
}

// WindowPoint is one bucket of a group's time series.
type WindowPoint struct {
	WindowStart time.Time `json:"windowStart"`
	Packets     int64     `json:"packets"`
	Bytes       int64     `json:"bytes"`
	Flows       int       `json:"flows"`
}

// AggregateGroup is the rollup for one group_by combination.
type AggregateGroup struct {
	Key          map[string]string `json:"key"`
	Packets      int64             `json:"packets"`
	Bytes        int64             `json:"bytes"`
	Flows        int               `json:"flows"`
	DistinctSrc  int               `json:"distinctSrc"`
	DistinctDst  int               `json:"distinctDst"`
	Series       []WindowPoint     `json:"series,omitempty"`
}

// AggregateRequest parameterizes Aggregate. Zero Start/End default to the
// last aggregation window ending now.
type AggregateRequest struct {
	Start         time.Time
	End           time.Time
	GroupBy       []GroupKey
	CollectorID   string
	WindowMinutes int
}

// Aggregate computes grouped traffic rollups with per-window time series.
func (a *Aggregator) Aggregate(req AggregateRequest) ([]AggregateGroup, error) {
	const op = "aggregate_flows"
	for _, key := range req.GroupBy {
		if !validGroupKeys[key] {
			return nil, errors.Invalid(op, "group_by", "unknown key "+string(key))
		}
	}
	if req.WindowMinutes <= 0 {
		req.WindowMinutes = a.cfg.AggregationWindowMinutes
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if req.Start.IsZero() {
		req.Start = req.End.Add(-time.Duration(req.WindowMinutes) * time.Minute)
	}
	if !req.Start.Before(req.End) {
		return nil, errors.Invalid(op, "start", "must precede end")
	}

	window := time.Duration(req.WindowMinutes) * time.Minute
	records := a.snapshot(req.Start, req.End, req.CollectorID)

	type groupState struct {
		group   AggregateGroup
		srcSet  map[string]struct{}
		dstSet  map[string]struct{}
		buckets map[time.Time]*WindowPoint
	}
	groups := make(map[string]*groupState)

	for i := range records {
		f := &records[i]
		keyVals := groupValues(f, req.GroupBy)
		id := joinKey(keyVals, req.GroupBy)
		state, ok := groups[id]
		if !ok {
			state = &groupState{
				group:   AggregateGroup{Key: keyVals},
				srcSet:  make(map[string]struct{}),
				dstSet:  make(map[string]struct{}),
				buckets: make(map[time.Time]*WindowPoint),
			}
			groups[id] = state
		}
		state.group.Packets += f.Packets
		state.group.Bytes += f.Bytes
		state.group.Flows++
		state.srcSet[f.SrcAddr] = struct{}{}
		state.dstSet[f.DstAddr] = struct{}{}

		bucket := f.IngestedAt.Truncate(window)
		point, ok := state.buckets[bucket]
		if !ok {
			point = &WindowPoint{WindowStart: bucket}
			state.buckets[bucket] = point
		}
		point.Packets += f.Packets
		point.Bytes += f.Bytes
		point.Flows++
	}

	out := make([]AggregateGroup, 0, len(groups))
	for _, state := range groups {
		state.group.DistinctSrc = len(state.srcSet)
		state.group.DistinctDst = len(state.dstSet)
		for _, point := range state.buckets {
			state.group.Series = append(state.group.Series, *point)
		}
		sort.Slice(state.group.Series, func(i, j int) bool {
			return state.group.Series[i].WindowStart.Before(state.group.Series[j].WindowStart)
		})
		out = append(out, state.group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out, nil
}

func groupValues(f *models.FlowRecord, keys []GroupKey) map[string]string {
	vals := make(map[string]string, len(keys))
	for _, key := range keys {
		switch key {
		case GroupBySrcAddr:
			vals[string(key)] = f.SrcAddr
		case GroupByDstAddr:
			vals[string(key)] = f.DstAddr
		case GroupBySrcPort:
			vals[string(key)] = strconv.Itoa(f.SrcPort)
		case GroupByDstPort:
			vals[string(key)] = strconv.Itoa(f.DstPort)
		case GroupByProtocol:
			vals[string(key)] = strconv.Itoa(f.Protocol)
		case GroupByExporterIP:
			vals[string(key)] = f.ExporterIP
		case GroupByCollectorID:
			vals[string(key)] = f.CollectorID
		}
	}
	return vals
}

func joinKey(vals map[string]string, keys []GroupKey) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = vals[string(key)]
	}
	return strings.Join(parts, "\x00")
}

// TrafficSummary is the headline rollup over a lookback window.
type TrafficSummary struct {
	Hours        int   `json:"hours"`
	TotalFlows   int   `json:"totalFlows"`
	TotalBytes   int64 `json:"totalBytes"`
	TotalPackets int64 `json:"totalPackets"`
	DistinctSrc  int   `json:"distinctSrc"`
	DistinctDst  int   `json:"distinctDst"`
}

// Summary computes totals over the last N hours.
func (a *Aggregator) Summary(hours int, collectorID string) TrafficSummary {
	end := time.Now().UTC()
	records := a.snapshot(end.Add(-time.Duration(hours)*time.Hour), end, collectorID)

	summary := TrafficSummary{Hours: hours}
	src := make(map[string]struct{})
	dst := make(map[string]struct{})
	for i := range records {
		f := &records[i]
		summary.TotalFlows++
		summary.TotalBytes += f.Bytes
		summary.TotalPackets += f.Packets
		src[f.SrcAddr] = struct{}{}
		dst[f.DstAddr] = struct{}{}
	}
	summary.DistinctSrc = len(src)
	summary.DistinctDst = len(dst)
	return summary
}

// TalkerMetric selects the ranking dimension for top talkers.
type TalkerMetric string

const (
	MetricBytes   TalkerMetric = "bytes"
	MetricPackets TalkerMetric = "packets"
	MetricFlows   TalkerMetric = "flows"
)

// TopTalker is one ranked source in a top-talker report.
type TopTalker struct {
	Rank    int    `json:"rank"`
	SrcAddr string `json:"srcAddr"`
	Bytes   int64  `json:"bytes"`
	Packets int64  `json:"packets"`
	Flows   int    `json:"flows"`
}

// TopTalkers ranks sources over the last N hours by the chosen metric and
// returns the top limit entries with ranks 1..N.
func (a *Aggregator) TopTalkers(hours, limit int, metric TalkerMetric, collectorID string) ([]TopTalker, error) {
	const op = "top_talkers"
	switch metric {
	case MetricBytes, MetricPackets, MetricFlows:
	default:
		return nil, errors.Invalid(op, "metric", "must be bytes, packets, or flows")
	}
	if limit < 1 {
		return nil, errors.Invalid(op, "limit", "must be >= 1")
	}

	end := time.Now().UTC()
	records := a.snapshot(end.Add(-time.Duration(hours)*time.Hour), end, collectorID)

	bySrc := make(map[string]*TopTalker)
	for i := range records {
		f := &records[i]
		talker, ok := bySrc[f.SrcAddr]
		if !ok {
			talker = &TopTalker{SrcAddr: f.SrcAddr}
			bySrc[f.SrcAddr] = talker
		}
		talker.Bytes += f.Bytes
		talker.Packets += f.Packets
		talker.Flows++
	}

	ranked := make([]TopTalker, 0, len(bySrc))
	for _, talker := range bySrc {
		ranked = append(ranked, *talker)
	}
	sort.Slice(ranked, func(i, j int) bool {
		vi, vj := talkerValue(&ranked[i], metric), talkerValue(&ranked[j], metric)
		if vi == vj {
			return ranked[i].SrcAddr < ranked[j].SrcAddr
		}
		return vi > vj
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

func talkerValue(t *TopTalker, metric TalkerMetric) int64 {
	switch metric {
	case MetricPackets:
		return t.Packets
	case MetricFlows:
		return int64(t.Flows)
	default:
		return t.Bytes
	}
}

// protocolNames maps well-known IP protocol numbers for display.
var protocolNames = map[int]string{
	1:   "ICMP",
	2:   "IGMP",
	6:   "TCP",
	17:  "UDP",
	47:  "GRE",
	50:  "ESP",
	51:  "AH",
	58:  "ICMPv6",
	89:  "OSPF",
	132: "SCTP",
}

// ProtocolName returns the display name for an IP protocol number.
func ProtocolName(protocol int) string {
	if name, ok := protocolNames[protocol]; ok {
		return name
	}
	return fmt.Sprintf("proto-%d", protocol)
}

// ProtocolStat is the rollup for one IP protocol.
type ProtocolStat struct {
	Protocol int    `json:"protocol"`
	Name     string `json:"name"`
	Flows    int    `json:"flows"`
	Bytes    int64  `json:"bytes"`
	Packets  int64  `json:"packets"`
}

// ProtocolStatistics groups traffic by protocol number over the last N
// hours, descending by bytes.
func (a *Aggregator) ProtocolStatistics(hours int, collectorID string) []ProtocolStat {
	end := time.Now().UTC()
	records := a.snapshot(end.Add(-time.Duration(hours)*time.Hour), end, collectorID)

	byProto := make(map[int]*ProtocolStat)
	for i := range records {
		f := &records[i]
		stat, ok := byProto[f.Protocol]
		if !ok {
			stat = &ProtocolStat{Protocol: f.Protocol, Name: ProtocolName(f.Protocol)}
			byProto[f.Protocol] = stat
		}
		stat.Flows++
		stat.Bytes += f.Bytes
		stat.Packets += f.Packets
	}

	out := make([]ProtocolStat, 0, len(byProto))
	for _, stat := range byProto {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out
}

// SubnetStat is the rollup for one /mask prefix.
type SubnetStat struct {
	Subnet   string `json:"subnet"`
	Flows    int    `json:"flows"`
	BytesIn  int64  `json:"bytesIn"`  // subnet as destination
	BytesOut int64  `json:"bytesOut"` // subnet as source
}

// TrafficBySubnet reduces each address to its /mask prefix and aggregates
// over the prefix space. Addresses that do not parse are skipped.
func (a *Aggregator) TrafficBySubnet(mask, hours int, collectorID string) ([]SubnetStat, error) {
	const op = "traffic_by_subnet"
	if mask < 0 || mask > 32 {
		return nil, errors.Invalid(op, "mask", "must be in [0, 32]")
	}

	end := time.Now().UTC()
	records := a.snapshot(end.Add(-time.Duration(hours)*time.Hour), end, collectorID)

	bySubnet := make(map[string]*SubnetStat)
	get := func(subnet string) *SubnetStat {
		stat, ok := bySubnet[subnet]
		if !ok {
			stat = &SubnetStat{Subnet: subnet}
			bySubnet[subnet] = stat
		}
		return stat
	}

	for i := range records {
		f := &records[i]
		if src, ok := subnetOf(f.SrcAddr, mask); ok {
			stat := get(src)
			stat.Flows++
			stat.BytesOut += f.Bytes
		}
		if dst, ok := subnetOf(f.DstAddr, mask); ok {
			get(dst).BytesIn += f.Bytes
		}
	}

	out := make([]SubnetStat, 0, len(bySubnet))
	for _, stat := range bySubnet {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BytesIn+out[i].BytesOut > out[j].BytesIn+out[j].BytesOut
	})
	return out, nil
}

func subnetOf(addr string, mask int) (string, bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", false
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	prefix := v4.Mask(net.CIDRMask(mask, 32))
	return fmt.Sprintf("%s/%d", prefix, mask), true
}

// Anomaly is one detected traffic deviation.
type Anomaly struct {
	WindowStart time.Time `json:"windowStart"`
	Metric      string    `json:"metric"` // bytes or flows
	Value       float64   `json:"value"`
	BaselineMu  float64   `json:"baselineMean"`
	BaselineSig float64   `json:"baselineStdev"`
	ZScore      float64   `json:"zScore"`
	Severity    string    `json:"severity"` // high if z > 3, else medium
}

// AnomalyReport is the result of one detection pass.
type AnomalyReport struct {
	BaselineInsufficient bool      `json:"baselineInsufficient"`
	BaselineWindows      int       `json:"baselineWindows"`
	Anomalies            []Anomaly `json:"anomalies"`
}

// DetectAnomalies compares recent per-window byte and flow totals against a
// baseline using z-scores. Baseline statistics are computed over non-outlier
// windows after IQR removal; fewer than 10 baseline windows yields
// baseline_insufficient with no anomalies.
func (a *Aggregator) DetectAnomalies(baselineHours, detectionMinutes int, threshold float64, collectorID string) AnomalyReport {
	if baselineHours <= 0 {
		baselineHours = 24
	}
	if detectionMinutes <= 0 {
		detectionMinutes = 45
	}
	if threshold <= 0 {
		threshold = 2.0
	}

	window := time.Duration(a.cfg.AggregationWindowMinutes) * time.Minute
	if window <= 0 {
		window = 15 * time.Minute
	}
	now := time.Now().UTC()
	detectionStart := now.Add(-time.Duration(detectionMinutes) * time.Minute)
	baselineStart := detectionStart.Add(-time.Duration(baselineHours) * time.Hour)

	baselineBytes, baselineFlows := a.windowTotals(baselineStart, detectionStart, window, collectorID)
	if len(baselineBytes) < 10 {
		return AnomalyReport{BaselineInsufficient: true, BaselineWindows: len(baselineBytes)}
	}

	detectBytes, detectFlows := a.windowTotals(detectionStart, now, window, collectorID)

	report := AnomalyReport{BaselineWindows: len(baselineBytes)}
	report.Anomalies = append(report.Anomalies,
		detect(baselineBytes, detectBytes, "bytes", threshold)...)
	report.Anomalies = append(report.Anomalies,
		detect(baselineFlows, detectFlows, "flows", threshold)...)
	sort.Slice(report.Anomalies, func(i, j int) bool {
		return report.Anomalies[i].WindowStart.Before(report.Anomalies[j].WindowStart)
	})

	for _, anomaly := range report.Anomalies {
		metrics.AnomaliesDetectedTotal.WithLabelValues(anomaly.Severity).Inc()
	}
	return report
}

// windowTotals buckets flows into fixed windows and returns per-window byte
// and flow totals keyed by window start.
func (a *Aggregator) windowTotals(start, end time.Time, window time.Duration, collectorID string) (map[time.Time]float64, map[time.Time]float64) {
	records := a.snapshot(start, end, collectorID)
	bytes := make(map[time.Time]float64)
	flowCounts := make(map[time.Time]float64)
	for i := range records {
		bucket := records[i].IngestedAt.Truncate(window)
		bytes[bucket] += float64(records[i].Bytes)
		flowCounts[bucket]++
	}
	return bytes, flowCounts
}

func detect(baseline, detection map[time.Time]float64, metric string, threshold float64) []Anomaly {
	values := make([]float64, 0, len(baseline))
	for _, v := range baseline {
		values = append(values, v)
	}
	cleaned := stats.RemoveOutliersIQR(values)
	mu := stats.Mean(cleaned)
	sigma := stats.Stdev(cleaned)
	if sigma == 0 {
		return nil
	}

	var out []Anomaly
	for windowStart, value := range detection {
		z := math.Abs(value-mu) / sigma
		if z <= threshold {
			continue
		}
		severity := "medium"
		if z > 3.0 {
			severity = "high"
		}
		out = append(out, Anomaly{
			WindowStart: windowStart,
			Metric:      metric,
			Value:       value,
			BaselineMu:  mu,
			BaselineSig: sigma,
			ZScore:      z,
			Severity:    severity,
		})
	}
	return out
}
