// Package probes implements active measurement: per-type executors, the
// per-tenant scheduler, and probe definition ownership.
package probes

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/icmp"

	"github.com/canopyops/canopy/internal/models"
)

// Executor performs a single probe against its target within its timeout.
// Failures are reported on the result, never as errors; the error return is
// reserved for internal executor faults, which transition the probe to ERROR.
type Executor interface {
	Execute(ctx context.Context, probe *models.Probe) (*models.ProbeResult, error)
}

// NetworkExecutor performs real network measurements.
type NetworkExecutor struct {
	// HTTPClient is shared across HTTP probes; redirects are followed,
	// per-probe deadlines come from the context.
	HTTPClient *http.Client
}

// NewNetworkExecutor returns an executor with a shared HTTP transport.
func NewNetworkExecutor() *NetworkExecutor {
	return &NetworkExecutor{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Execute dispatches on probe type. The context carries the hard deadline;
// any in-flight I/O is abandoned when it expires and the result reports a
// timeout.
func (e *NetworkExecutor) Execute(ctx context.Context, probe *models.Probe) (*models.ProbeResult, error) {
	result := newResult(probe.ID)
	start := time.Now()

	var err error
	switch probe.Type {
	case models.ProbeTypeICMP:
		err = e.executeICMP(ctx, probe, result)
	case models.ProbeTypeDNS:
		err = e.executeDNS(ctx, probe, result)
	case models.ProbeTypeHTTP, models.ProbeTypeHTTPS:
		err = e.executeHTTP(ctx, probe, result)
	case models.ProbeTypeTCP:
		err = e.executeTCP(ctx, probe, result)
	case models.ProbeTypeUDP:
		err = e.executeUDP(ctx, probe, result)
	default:
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("probe type %s not supported by network executor", probe.Type)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	if result.Success && result.ResponseTimeMs == 0 {
		result.ResponseTimeMs = float64(elapsed) / float64(time.Millisecond)
	}
	if !result.Success && result.ErrorMessage == "" {
		result.ErrorMessage = classifyFailure(ctx, nil)
	}
	return result, nil
}

func newResult(probeID string) *models.ProbeResult {
	return &models.ProbeResult{
		ID:        ulid.Make().String(),
		ProbeID:   probeID,
		Timestamp: time.Now().UTC(),
	}
}

// executeICMP sends an echo request and waits for any echo reply. An
// unprivileged ICMP datagram socket is preferred (requires the kernel to
// permit it via net.ipv4.ping_group_range); a raw socket is the fallback
// when the process has the privilege.
func (e *NetworkExecutor) executeICMP(ctx context.Context, probe *models.Probe, result *models.ProbeResult) error {
	addrs, err := resolveHost(ctx, probe.Target)
	if err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}

	conn, raw, err := openICMPConn()
	if err != nil {
		result.ErrorMessage = "icmp socket unavailable: " + err.Error()
		return nil
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// The datagram socket wants a UDP address, the raw socket an IP address.
	var dst net.Addr = &net.UDPAddr{IP: addrs[0]}
	if raw {
		dst = &net.IPAddr{IP: addrs[0]}
	}

	ident := uint16(os.Getpid() & 0xffff)
	packet := buildEchoRequest(ident, 1)
	start := time.Now()
	if _, err := conn.WriteTo(packet, dst); err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}

	reply := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(reply)
		if err != nil {
			result.ErrorMessage = classifyFailure(ctx, err)
			return nil
		}
		// type 0 = echo reply
		if n >= 8 && reply[0] == 0 {
			rtt := time.Since(start)
			result.Success = true
			result.ResponseTimeMs = float64(rtt) / float64(time.Millisecond)
			result.Metrics = map[string]float64{"rtt_ms": result.ResponseTimeMs}
			return nil
		}
	}
}

// openICMPConn opens an IPv4 ICMP socket, unprivileged datagram first, raw
// second. The returned flag reports which flavor was opened.
func openICMPConn() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}
	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr == nil {
		return conn, true, nil
	}
	return nil, false, err
}

func buildEchoRequest(ident, seq uint16) []byte {
	msg := make([]byte, 16)
	msg[0] = 8 // echo request
	binary.BigEndian.PutUint16(msg[4:], ident)
	binary.BigEndian.PutUint16(msg[6:], seq)
	binary.BigEndian.PutUint64(msg[8:], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint16(msg[2:], icmpChecksum(msg))
	return msg
}

func icmpChecksum(msg []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(msg); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(msg[i:]))
	}
	if len(msg)%2 == 1 {
		sum += uint32(msg[len(msg)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}

// executeDNS queries the configured server for the requested record type.
// Success requires a non-error response with at least one answer.
func (e *NetworkExecutor) executeDNS(ctx context.Context, probe *models.Probe, result *models.ProbeResult) error {
	server := probe.Parameters["dns_server"]
	recordType := strings.ToUpper(probe.Parameters["record_type"])
	if recordType == "" {
		recordType = "A"
	}

	resolver := net.DefaultResolver
	if server != "" {
		if !strings.Contains(server, ":") {
			server += ":53"
		}
		dialTarget := server
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, dialTarget)
			},
		}
	}

	start := time.Now()
	var answers int
	var err error
	switch recordType {
	case "A", "AAAA":
		var ips []net.IPAddr
		ips, err = resolver.LookupIPAddr(ctx, probe.Target)
		answers = countAddrs(ips, recordType)
	case "CNAME":
		var cname string
		cname, err = resolver.LookupCNAME(ctx, probe.Target)
		if cname != "" {
			answers = 1
		}
	case "MX":
		var mx []*net.MX
		mx, err = resolver.LookupMX(ctx, probe.Target)
		answers = len(mx)
	case "TXT":
		var txt []string
		txt, err = resolver.LookupTXT(ctx, probe.Target)
		answers = len(txt)
	case "NS":
		var ns []*net.NS
		ns, err = resolver.LookupNS(ctx, probe.Target)
		answers = len(ns)
	default:
		result.ErrorMessage = "unsupported record type " + recordType
		return nil
	}

	elapsed := time.Since(start)
	if err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}
	if answers == 0 {
		result.ErrorMessage = "no " + recordType + " answers"
		return nil
	}
	result.Success = true
	result.ResponseTimeMs = float64(elapsed) / float64(time.Millisecond)
	result.Metrics = map[string]float64{
		"resolution_time_ms": result.ResponseTimeMs,
		"answer_count":       float64(answers),
	}
	return nil
}

func countAddrs(ips []net.IPAddr, recordType string) int {
	n := 0
	for _, ip := range ips {
		v4 := ip.IP.To4() != nil
		if (recordType == "A" && v4) || (recordType == "AAAA" && !v4) {
			n++
		}
	}
	return n
}

// executeHTTP issues the configured request and compares the status against
// the expected value or accept set. Records time-to-first-byte and total
// time separately.
func (e *NetworkExecutor) executeHTTP(ctx context.Context, probe *models.Probe, result *models.ProbeResult) error {
	method := strings.ToUpper(probe.Parameters["method"])
	if method == "" {
		method = http.MethodGet
	}
	expectedStatus := 200
	if v := probe.Parameters["expected_status"]; v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			expectedStatus = parsed
		}
	}

	target := probe.Target
	if !strings.Contains(target, "://") {
		scheme := "http"
		if probe.Type == models.ProbeTypeHTTPS {
			scheme = "https"
		}
		target = scheme + "://" + target
	}

	var body io.Reader
	if payload := probe.Parameters["body"]; payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		result.ErrorMessage = "invalid request: " + err.Error()
		return nil
	}
	for key, value := range probe.Parameters {
		if name, ok := strings.CutPrefix(key, "header_"); ok {
			req.Header.Set(name, value)
		}
	}

	start := time.Now()
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}
	defer resp.Body.Close()
	ttfb := time.Since(start)

	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	total := time.Since(start)

	result.StatusCode = resp.StatusCode
	result.Metrics = map[string]float64{
		"ttfb_ms":  float64(ttfb) / float64(time.Millisecond),
		"total_ms": float64(total) / float64(time.Millisecond),
	}
	if !statusAccepted(resp.StatusCode, expectedStatus, probe.Parameters["accept_statuses"]) {
		result.ErrorMessage = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return nil
	}
	result.Success = true
	result.ResponseTimeMs = float64(total) / float64(time.Millisecond)
	return nil
}

func statusAccepted(got, expected int, acceptSet string) bool {
	if got == expected {
		return true
	}
	for _, field := range strings.Split(acceptSet, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(field)); err == nil && v == got {
			return true
		}
	}
	return false
}

// executeTCP succeeds when the handshake completes within the deadline.
func (e *NetworkExecutor) executeTCP(ctx context.Context, probe *models.Probe, result *models.ProbeResult) error {
	address := probe.Target
	if port := probe.Parameters["port"]; port != "" && !strings.Contains(address, ":") {
		address = net.JoinHostPort(address, port)
	}

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}
	conn.Close()
	result.Success = true
	result.ResponseTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	result.Metrics = map[string]float64{"connect_time_ms": result.ResponseTimeMs}
	return nil
}

// executeUDP sends a datagram; UDP gives no handshake, so success means the
// local send completed and no immediate ICMP rejection arrived.
func (e *NetworkExecutor) executeUDP(ctx context.Context, probe *models.Probe, result *models.ProbeResult) error {
	address := probe.Target
	if port := probe.Parameters["port"]; port != "" && !strings.Contains(address, ":") {
		address = net.JoinHostPort(address, port)
	}

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("canopy-probe")); err != nil {
		result.ErrorMessage = classifyFailure(ctx, err)
		return nil
	}
	result.Success = true
	result.ResponseTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	return nil
}

func resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %s", host)
	}
	return ips, nil
}

// classifyFailure maps an I/O error to the result error message. Deadline
// expiry always reports as "timeout".
func classifyFailure(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "timeout"
	}
	if err == nil {
		return "unknown failure"
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return "timeout"
	}
	return err.Error()
}
