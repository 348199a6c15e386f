package flows

import (
	"fmt"
	"testing"
	"time"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/models"
)

func testSettings() config.FlowSettings {
	return config.FlowSettings{
		MaxMemoryFlows:           10000,
		DefaultSamplingRate:      1,
		AggregationWindowMinutes: 15,
	}
}

func testAggregator(t *testing.T, samplingRate int) (*Aggregator, *models.FlowCollector) {
	t.Helper()
	a := NewAggregator("tenant-1", testSettings(), nil)
	collector, err := a.CreateCollector(&models.FlowCollector{
		Name:         "edge",
		FlowType:     models.FlowTypeNetFlow,
		ListenPort:   2055,
		SamplingRate: samplingRate,
	})
	if err != nil {
		t.Fatalf("create collector: %v", err)
	}
	return a, collector
}

func flow(collectorID, src, dst string, bytes int64) models.FlowRecord {
	return models.FlowRecord{
		CollectorID: collectorID,
		ExporterIP:  "192.0.2.1",
		SrcAddr:     src,
		DstAddr:     dst,
		SrcPort:     49152,
		DstPort:     443,
		Protocol:    6,
		Packets:     bytes / 100,
		Bytes:       bytes,
		FlowStart:   time.Now().Add(-time.Minute),
		FlowEnd:     time.Now(),
	}
}

func TestTopTalkersWithSamplingScale(t *testing.T) {
	a, c := testAggregator(t, 10)

	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100)) // A
	a.Ingest(flow(c.ID, "10.0.0.2", "10.1.0.1", 50))  // B
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.2", 100)) // A
	a.Ingest(flow(c.ID, "10.0.0.3", "10.1.0.1", 30))  // C
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.3", 100)) // A

	talkers, err := a.TopTalkers(1, 2, MetricBytes, "")
	if err != nil {
		t.Fatalf("top talkers: %v", err)
	}
	if len(talkers) != 2 {
		t.Fatalf("expected 2 talkers, got %d", len(talkers))
	}
	if talkers[0].Rank != 1 || talkers[0].SrcAddr != "10.0.0.1" || talkers[0].Bytes != 3000 {
		t.Fatalf("rank 1 wrong: %+v", talkers[0])
	}
	if talkers[1].Rank != 2 || talkers[1].SrcAddr != "10.0.0.2" || talkers[1].Bytes != 500 {
		t.Fatalf("rank 2 wrong: %+v", talkers[1])
	}
}

func TestIngestScalesAndRetainsRaw(t *testing.T) {
	a, c := testAggregator(t, 10)
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))

	records := a.snapshot(time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Bytes != 1000 || r.Packets != 10 {
		t.Fatalf("sampling scale wrong: bytes=%d packets=%d", r.Bytes, r.Packets)
	}
	if r.Raw.Bytes != 100 || r.Raw.Packets != 1 {
		t.Fatalf("raw counters not retained: %+v", r.Raw)
	}
	if r.IngestedAt.IsZero() || r.ID == "" {
		t.Fatalf("ingest metadata missing")
	}
}

func TestIngestUpdatesCollectorCounters(t *testing.T) {
	a, c := testAggregator(t, 2)
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))
	a.Ingest(flow(c.ID, "10.0.0.2", "10.1.0.1", 200))

	updated, err := a.GetCollector(c.ID)
	if err != nil {
		t.Fatalf("get collector: %v", err)
	}
	if updated.FlowsReceived != 2 {
		t.Fatalf("flows_received wrong: %d", updated.FlowsReceived)
	}
	if updated.BytesReceived != 600 { // scaled bytes
		t.Fatalf("bytes_received wrong: %d", updated.BytesReceived)
	}
	if updated.LastFlow.IsZero() {
		t.Fatalf("last_flow not set")
	}
}

func TestIngestInvalidRecordDropsWithCounter(t *testing.T) {
	a, c := testAggregator(t, 1)

	bad := flow(c.ID, "10.0.0.1", "10.1.0.1", 100)
	bad.SrcPort = 70000
	a.Ingest(bad)

	bad2 := flow(c.ID, "", "10.1.0.1", 100)
	a.Ingest(bad2)

	updated, _ := a.GetCollector(c.ID)
	if updated.DroppedFlows != 2 {
		t.Fatalf("expected 2 dropped, got %d", updated.DroppedFlows)
	}
	if updated.FlowsReceived != 0 {
		t.Fatalf("invalid flows must not count as received")
	}
}

func TestIngestUnknownCollectorIsSilent(t *testing.T) {
	a := NewAggregator("tenant-1", testSettings(), nil)
	a.Ingest(flow("ghost", "10.0.0.1", "10.1.0.1", 100)) // must not panic
	if a.FlowCount() != 0 {
		t.Fatalf("flow for unknown collector retained")
	}
}

func TestMemoryBoundEvictsOldest(t *testing.T) {
	settings := testSettings()
	settings.MaxMemoryFlows = 5
	a := NewAggregator("tenant-1", settings, nil)
	c, err := a.CreateCollector(&models.FlowCollector{
		Name: "edge", FlowType: models.FlowTypeNetFlow, ListenPort: 2055, SamplingRate: 1,
	})
	if err != nil {
		t.Fatalf("create collector: %v", err)
	}

	for i := 0; i < 8; i++ {
		a.Ingest(flow(c.ID, fmt.Sprintf("10.0.0.%d", i+1), "10.1.0.1", 100))
	}
	if a.FlowCount() != 5 {
		t.Fatalf("expected 5 retained, got %d", a.FlowCount())
	}
	updated, _ := a.GetCollector(c.ID)
	if updated.DroppedFlows != 3 {
		t.Fatalf("expected 3 evictions counted as drops, got %d", updated.DroppedFlows)
	}
	// Oldest evicted, newest retained
	records := a.snapshot(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
	for _, r := range records {
		if r.SrcAddr == "10.0.0.1" || r.SrcAddr == "10.0.0.2" || r.SrcAddr == "10.0.0.3" {
			t.Fatalf("oldest flow %s survived eviction", r.SrcAddr)
		}
	}
}

func TestAggregateGroupBy(t *testing.T) {
	a, c := testAggregator(t, 1)
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.2", 200))
	a.Ingest(flow(c.ID, "10.0.0.2", "10.1.0.1", 400))

	groups, err := a.Aggregate(AggregateRequest{
		Start:   time.Now().Add(-time.Hour),
		End:     time.Now().Add(time.Minute),
		GroupBy: []GroupKey{GroupBySrcAddr},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	// Sorted descending by bytes
	if groups[0].Key["src_addr"] != "10.0.0.2" || groups[0].Bytes != 400 {
		t.Fatalf("first group wrong: %+v", groups[0])
	}
	if groups[1].Flows != 2 || groups[1].DistinctDst != 2 {
		t.Fatalf("second group counts wrong: %+v", groups[1])
	}
	if len(groups[1].Series) == 0 {
		t.Fatalf("time series missing")
	}
}

func TestAggregateRejectsUnknownGroupKey(t *testing.T) {
	a, _ := testAggregator(t, 1)
	_, err := a.Aggregate(AggregateRequest{GroupBy: []GroupKey{"tos_bits"}})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProtocolStatistics(t *testing.T) {
	a, c := testAggregator(t, 1)
	tcp := flow(c.ID, "10.0.0.1", "10.1.0.1", 300)
	a.Ingest(tcp)
	udp := flow(c.ID, "10.0.0.1", "10.1.0.1", 100)
	udp.Protocol = 17
	a.Ingest(udp)
	icmp := flow(c.ID, "10.0.0.1", "10.1.0.1", 50)
	icmp.Protocol = 1
	a.Ingest(icmp)

	statsByName := map[string]ProtocolStat{}
	for _, s := range a.ProtocolStatistics(1, "") {
		statsByName[s.Name] = s
	}
	if statsByName["TCP"].Bytes != 300 || statsByName["UDP"].Bytes != 100 || statsByName["ICMP"].Bytes != 50 {
		t.Fatalf("protocol rollup wrong: %+v", statsByName)
	}
}

func TestProtocolNameFallback(t *testing.T) {
	if ProtocolName(6) != "TCP" || ProtocolName(17) != "UDP" || ProtocolName(1) != "ICMP" {
		t.Fatalf("well-known names wrong")
	}
	if ProtocolName(143) != "proto-143" {
		t.Fatalf("unknown protocol fallback wrong: %s", ProtocolName(143))
	}
}

func TestTrafficBySubnet(t *testing.T) {
	a, c := testAggregator(t, 1)
	a.Ingest(flow(c.ID, "10.0.1.5", "192.168.1.9", 100))
	a.Ingest(flow(c.ID, "10.0.1.200", "192.168.1.10", 200))
	a.Ingest(flow(c.ID, "10.0.2.5", "192.168.1.11", 400))

	stats, err := a.TrafficBySubnet(24, 1, "")
	if err != nil {
		t.Fatalf("subnet: %v", err)
	}
	bySubnet := map[string]SubnetStat{}
	for _, s := range stats {
		bySubnet[s.Subnet] = s
	}
	if got := bySubnet["10.0.1.0/24"]; got.BytesOut != 300 || got.Flows != 2 {
		t.Fatalf("10.0.1.0/24 rollup wrong: %+v", got)
	}
	if got := bySubnet["10.0.2.0/24"]; got.BytesOut != 400 {
		t.Fatalf("10.0.2.0/24 rollup wrong: %+v", got)
	}
	if got := bySubnet["192.168.1.0/24"]; got.BytesIn != 700 {
		t.Fatalf("destination subnet rollup wrong: %+v", got)
	}
}

func TestTrafficBySubnetRejectsBadMask(t *testing.T) {
	a, _ := testAggregator(t, 1)
	if _, err := a.TrafficBySubnet(40, 1, ""); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDetectAnomaliesInsufficientBaseline(t *testing.T) {
	a, c := testAggregator(t, 1)
	// A couple of flows right now: the detection window has data but the
	// baseline does not.
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))

	report := a.DetectAnomalies(24, 45, 2.0, "")
	if !report.BaselineInsufficient {
		t.Fatalf("expected baseline_insufficient")
	}
	if len(report.Anomalies) != 0 {
		t.Fatalf("no anomalies may be reported without a baseline")
	}
}

func TestSummary(t *testing.T) {
	a, c := testAggregator(t, 1)
	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))
	a.Ingest(flow(c.ID, "10.0.0.2", "10.1.0.2", 200))

	summary := a.Summary(1, "")
	if summary.TotalFlows != 2 || summary.TotalBytes != 300 {
		t.Fatalf("totals wrong: %+v", summary)
	}
	if summary.DistinctSrc != 2 || summary.DistinctDst != 2 {
		t.Fatalf("distinct counts wrong: %+v", summary)
	}
}

func TestCreateCollectorValidation(t *testing.T) {
	a := NewAggregator("tenant-1", testSettings(), nil)

	if _, err := a.CreateCollector(&models.FlowCollector{FlowType: models.FlowTypeNetFlow, ListenPort: 2055}); !errors.IsValidation(err) {
		t.Fatalf("missing name accepted")
	}
	if _, err := a.CreateCollector(&models.FlowCollector{Name: "x", FlowType: "carrier-pigeon", ListenPort: 2055}); !errors.IsValidation(err) {
		t.Fatalf("bad flow type accepted")
	}
	if _, err := a.CreateCollector(&models.FlowCollector{Name: "x", FlowType: models.FlowTypeSFlow, ListenPort: 0}); !errors.IsValidation(err) {
		t.Fatalf("bad port accepted")
	}

	c, err := a.CreateCollector(&models.FlowCollector{Name: "x", FlowType: models.FlowTypeSFlow, ListenPort: 6343})
	if err != nil {
		t.Fatalf("valid collector rejected: %v", err)
	}
	if c.SamplingRate != 1 {
		t.Fatalf("default sampling rate not applied: %d", c.SamplingRate)
	}
	if c.Status != models.CollectorStatusActive {
		t.Fatalf("default status not applied: %s", c.Status)
	}
}

func TestDisabledCollectorDropsFlows(t *testing.T) {
	a, c := testAggregator(t, 1)

	a.mu.Lock()
	a.collectors[c.ID].Status = models.CollectorStatusDisabled
	a.mu.Unlock()

	a.Ingest(flow(c.ID, "10.0.0.1", "10.1.0.1", 100))
	updated, _ := a.GetCollector(c.ID)
	if updated.DroppedFlows != 1 || updated.FlowsReceived != 0 {
		t.Fatalf("disabled collector should drop: %+v", updated)
	}
}
