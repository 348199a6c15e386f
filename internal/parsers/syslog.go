package parsers

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SyslogEvent is the structured form of an RFC 3164-style syslog line.
type SyslogEvent struct {
	Facility               int       `json:"facility"`
	Severity               int       `json:"severity"`
	FacilityName           string    `json:"facilityName"`
	SeverityName           string    `json:"severityName"`
	Timestamp              time.Time `json:"timestamp"`
	Hostname               string    `json:"hostname,omitempty"`
	Program                string    `json:"program,omitempty"`
	PID                    int       `json:"pid,omitempty"`
	Message                string    `json:"message"`
	Keywords               []string  `json:"keywords,omitempty"`
	IPAddresses            []string  `json:"ipAddresses,omitempty"`
	URLs                   []string  `json:"urls,omitempty"`
	PotentialSecurityEvent bool      `json:"potentialSecurityEvent"`
	ParsingErrors          []string  `json:"parsingErrors,omitempty"`
}

var syslogFacilities = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var syslogSeverities = []string{
	"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug",
}

var securityKeywords = []string{
	"failed", "denied", "unauthorized", "attack", "intrusion", "malware", "breach", "exploit",
}

var (
	priorityRe = regexp.MustCompile(`^<(\d{1,3})>`)
	// RFC 3164: "Jan  2 15:04:05"
	bsdTimestampRe = regexp.MustCompile(`^([A-Z][a-z]{2}) +(\d{1,2}) (\d{2}:\d{2}:\d{2})`)
	rfc3339Re      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	usTimestampRe  = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4}) (\d{2}:\d{2}:\d{2})`)
	programRe      = regexp.MustCompile(`^([A-Za-z0-9_./-]+)(?:\[(\d+)\])?:\s*`)
	hostnameRe     = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]{0,252}[A-Za-z0-9])?$`)
	ipRe           = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlRe          = regexp.MustCompile(`https?://[^\s"']+`)
)

// ParseSyslog decodes a syslog line. Missing or malformed sections degrade
// gracefully: the remainder is kept as the message and the problem is noted
// in ParsingErrors.
func ParseSyslog(line string) *SyslogEvent {
	event := &SyslogEvent{
		Facility:  1, // user
		Severity:  6, // info
		Timestamp: time.Now().UTC(),
	}

	rest := strings.TrimSpace(line)
	if rest == "" {
		event.ParsingErrors = append(event.ParsingErrors, "empty message")
		event.finish("")
		return event
	}

	// Priority: <N> decodes as facility = N >> 3, severity = N & 7
	if m := priorityRe.FindStringSubmatch(rest); m != nil {
		pri, err := strconv.Atoi(m[1])
		if err != nil || pri > 191 {
			event.ParsingErrors = append(event.ParsingErrors, "priority out of range: "+m[1])
		} else {
			event.Facility = pri >> 3
			event.Severity = pri & 7
		}
		rest = rest[len(m[0]):]
	}

	rest = event.consumeTimestamp(strings.TrimSpace(rest))
	rest = event.consumeHostname(strings.TrimSpace(rest))

	if m := programRe.FindStringSubmatch(rest); m != nil {
		event.Program = m[1]
		if m[2] != "" {
			if pid, err := strconv.Atoi(m[2]); err == nil {
				event.PID = pid
			}
		}
		rest = rest[len(m[0]):]
	}

	event.finish(strings.TrimSpace(rest))
	return event
}

// Override replaces the facility or severity after parsing and keeps the
// derived names in sync. Pass -1 to leave a field unchanged.
func (e *SyslogEvent) Override(facility, severity int) {
	if facility >= 0 {
		e.Facility = facility
		e.FacilityName = ""
		if facility < len(syslogFacilities) {
			e.FacilityName = syslogFacilities[facility]
		}
	}
	if severity >= 0 {
		e.Severity = severity
		e.SeverityName = ""
		if severity < len(syslogSeverities) {
			e.SeverityName = syslogSeverities[severity]
		}
	}
}

// consumeTimestamp tries the three accepted formats in order: RFC 3164,
// RFC 3339, then MM/DD/YYYY HH:MM:SS.
func (e *SyslogEvent) consumeTimestamp(rest string) string {
	if m := bsdTimestampRe.FindStringSubmatch(rest); m != nil {
		// RFC 3164 has no year; assume the current one
		stamp := m[1] + " " + m[2] + " " + m[3]
		if parsed, err := time.Parse("Jan 2 15:04:05", stamp); err == nil {
			now := time.Now().UTC()
			parsed = parsed.AddDate(now.Year(), 0, 0)
			if parsed.After(now.AddDate(0, 0, 1)) {
				parsed = parsed.AddDate(-1, 0, 0)
			}
			e.Timestamp = parsed
		}
		return rest[len(m[0]):]
	}
	if m := rfc3339Re.FindString(rest); m != "" {
		candidate := strings.Replace(m, " ", "T", 1)
		if parsed, err := time.Parse(time.RFC3339, candidate); err == nil {
			e.Timestamp = parsed.UTC()
		} else if parsed, err := time.Parse("2006-01-02T15:04:05", candidate); err == nil {
			e.Timestamp = parsed.UTC()
		} else {
			e.ParsingErrors = append(e.ParsingErrors, "unparseable timestamp: "+m)
		}
		return rest[len(m):]
	}
	if m := usTimestampRe.FindStringSubmatch(rest); m != nil {
		stamp := m[1] + "/" + m[2] + "/" + m[3] + " " + m[4]
		if parsed, err := time.Parse("01/02/2006 15:04:05", stamp); err == nil {
			e.Timestamp = parsed.UTC()
		} else {
			e.ParsingErrors = append(e.ParsingErrors, "unparseable timestamp: "+stamp)
		}
		return rest[len(m[0]):]
	}
	return rest
}

// consumeHostname accepts the next token only if it validates as an IP
// address or a DNS name; otherwise the token stays in the message.
func (e *SyslogEvent) consumeHostname(rest string) string {
	token, remainder, found := strings.Cut(rest, " ")
	if !found || token == "" {
		return rest
	}
	// A token ending in ':' is a program, not a hostname
	if strings.ContainsAny(token, ":[") {
		return rest
	}
	if net.ParseIP(token) != nil || hostnameRe.MatchString(token) {
		e.Hostname = token
		return remainder
	}
	return rest
}

func (e *SyslogEvent) finish(message string) {
	e.Message = message
	if e.Facility >= 0 && e.Facility < len(syslogFacilities) {
		e.FacilityName = syslogFacilities[e.Facility]
	}
	if e.Severity >= 0 && e.Severity < len(syslogSeverities) {
		e.SeverityName = syslogSeverities[e.Severity]
	}

	lower := strings.ToLower(message)
	for _, kw := range securityKeywords {
		if strings.Contains(lower, kw) {
			e.Keywords = append(e.Keywords, kw)
		}
	}
	e.PotentialSecurityEvent = len(e.Keywords) > 0

	if ips := ipRe.FindAllString(message, -1); len(ips) > 0 {
		seen := make(map[string]struct{}, len(ips))
		for _, ip := range ips {
			if net.ParseIP(ip) == nil {
				continue
			}
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			e.IPAddresses = append(e.IPAddresses, ip)
		}
	}
	e.URLs = urlRe.FindAllString(message, -1)
}
