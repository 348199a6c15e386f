package probes

import (
	"context"
	"testing"
	"time"

	"github.com/canopyops/canopy/internal/models"
)

// Requires either an unprivileged ICMP datagram socket
// (net.ipv4.ping_group_range) or raw socket privilege; skipped otherwise.
func TestICMPEchoLoopback(t *testing.T) {
	conn, _, err := openICMPConn()
	if err != nil {
		t.Skipf("no ICMP socket available: %v", err)
	}
	conn.Close()

	exec := NewNetworkExecutor()
	probe := &models.Probe{
		ID:             "icmp-loopback",
		Name:           "loopback ping",
		Type:           models.ProbeTypeICMP,
		Target:         "127.0.0.1",
		TimeoutSeconds: 2,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := exec.Execute(ctx, probe)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("loopback echo failed: %s", result.ErrorMessage)
	}
	if result.ResponseTimeMs <= 0 || result.Metrics["rtt_ms"] <= 0 {
		t.Fatalf("rtt not recorded: %+v", result)
	}
}

func TestICMPTimeoutAgainstBlackhole(t *testing.T) {
	conn, _, err := openICMPConn()
	if err != nil {
		t.Skipf("no ICMP socket available: %v", err)
	}
	conn.Close()

	exec := NewNetworkExecutor()
	probe := &models.Probe{
		ID:             "icmp-blackhole",
		Name:           "blackhole ping",
		Type:           models.ProbeTypeICMP,
		Target:         "192.0.2.1", // TEST-NET-1, never answers
		TimeoutSeconds: 1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := exec.Execute(ctx, probe)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("blackhole target must not succeed")
	}
	if result.ErrorMessage == "" {
		t.Fatalf("failure must carry an error message")
	}
}
