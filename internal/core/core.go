// Package core wires the assurance engines together and exposes the
// tenant-scoped command/query surface the transports and CLI consume.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/alarms"
	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/flows"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/notifications"
	"github.com/canopyops/canopy/internal/parsers"
	"github.com/canopyops/canopy/internal/probes"
	"github.com/canopyops/canopy/internal/sla"
	"github.com/canopyops/canopy/internal/store"
	"github.com/canopyops/canopy/internal/websocket"
)

// Core owns the engines for one tenant and their shared infrastructure.
type Core struct {
	cfg       *config.Config
	store     *store.Store
	notifier  *notifications.Dispatcher
	hub       *websocket.Hub
	probes    *probes.Engine
	alarms    *alarms.Engine
	flows     *flows.Aggregator
	sla       *sla.Evaluator
	startedAt time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles a Core from configuration. The SQLite store lives under the
// configured data path; simulation mode swaps the network executor for the
// deterministic simulator.
func New(cfg *config.Config) (*Core, error) {
	var st *store.Store
	if cfg.DataPath != "" {
		var err error
		st, err = store.New(store.DefaultConfig(cfg.DataPath))
		if err != nil {
			return nil, err
		}
	}

	notifier := notifications.NewDispatcher(cfg.TenantID,
		time.Duration(cfg.Alarms.CooldownMinutes)*time.Minute)
	notifier.AddSink(notifications.LogSink{})
	hub := websocket.NewHub()
	notifier.AddSink(hub)

	c := &Core{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		hub:      hub,
	}

	c.sla = sla.NewEvaluator(cfg.TenantID, cfg.SLA, nil, st, notifier)

	var executor probes.Executor
	if cfg.Probes.SimulationMode {
		executor = probes.NewSimulatedExecutor()
	} else {
		executor = probes.NewNetworkExecutor()
	}
	c.probes = probes.NewEngine(cfg.TenantID, cfg.Probes, executor, st, c.sla)
	c.sla.SetResultSource(c.probes)

	c.alarms = alarms.NewEngine(cfg.TenantID, cfg.Alarms, st, notifier)
	c.flows = flows.NewAggregator(cfg.TenantID, cfg.Flows, st)

	// Every persisted probe result drives SLA evaluation and raises probe
	// events the alarm rules can match on.
	c.probes.SetResultHook(c.onProbeResult)

	if err := c.probes.LoadFromStore(); err != nil {
		return nil, err
	}
	if err := c.alarms.LoadFromStore(); err != nil {
		return nil, err
	}
	if err := c.flows.LoadFromStore(); err != nil {
		return nil, err
	}
	if err := c.sla.LoadFromStore(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start launches the background loops. Call Stop to shut down.
func (c *Core) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now().UTC()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.probes.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.alarms.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.hub.Run(runCtx)
	}()

	log.Info().Str("tenant", c.cfg.TenantID).Msg("Assurance core started")
}

// Stop cancels the background loops, drains notifications, and flushes the
// store. Safe to call more than once.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.notifier.Stop()
		if c.store != nil {
			c.store.Flush()
			if err := c.store.Close(); err != nil {
				log.Warn().Err(err).Msg("Store close failed")
			}
		}
		log.Info().Msg("Assurance core stopped")
	})
}

// onProbeResult is the per-result hook: it feeds the alarm engine a probe
// event and re-evaluates SLA compliance for policy-linked probes. A recovery
// event fires only on the failure-to-success transition, not on every
// successful run.
func (c *Core) onProbeResult(probe *models.Probe, result *models.ProbeResult, prevFailures int) {
	if !result.Success {
		event := probeFailureEvent(probe, result)
		if c.cfg.Alarms.DefaultSeverity != "" {
			event.Severity = c.cfg.Alarms.DefaultSeverity
		}
		c.alarms.ProcessEvent(event)
	} else if prevFailures > 0 {
		c.alarms.ProcessEvent(probeRecoveryEvent(probe, result))
	}

	if probe.SLAPolicyID != "" {
		if _, err := c.sla.CheckCompliance(probe.ID); err != nil {
			log.Debug().Err(err).Str("probe", probe.ID).Msg("SLA evaluation skipped")
		}
	}
}

func probeFailureEvent(probe *models.Probe, result *models.ProbeResult) *parsers.Event {
	return &parsers.Event{
		Type:      models.EventTypeProbe,
		Timestamp: result.Timestamp,
		Source:    parsers.EventSource{Device: probe.Target},
		Severity:  models.SeverityWarning,
		Title:     "Probe failure: " + probe.Name,
		Details: map[string]string{
			"probe_id":   probe.ID,
			"probe_name": probe.Name,
			"probe_type": string(probe.Type),
			"outcome":    "failure",
			"error":      result.ErrorMessage,
		},
	}
}

func probeRecoveryEvent(probe *models.Probe, result *models.ProbeResult) *parsers.Event {
	return &parsers.Event{
		Type:      models.EventTypeProbe,
		Timestamp: result.Timestamp,
		Source:    parsers.EventSource{Device: probe.Target},
		Severity:  models.SeverityClear,
		Title:     "Probe recovered: " + probe.Name,
		Details: map[string]string{
			"probe_id":   probe.ID,
			"probe_name": probe.Name,
			"probe_type": string(probe.Type),
			"outcome":    "success",
		},
	}
}

// Probes exposes the probe engine's operations.
func (c *Core) Probes() *probes.Engine { return c.probes }

// Alarms exposes the alarm engine's operations.
func (c *Core) Alarms() *alarms.Engine { return c.alarms }

// Flows exposes the flow aggregator's operations.
func (c *Core) Flows() *flows.Aggregator { return c.flows }

// SLA exposes the SLA evaluator's operations.
func (c *Core) SLA() *sla.Evaluator { return c.sla }

// Hub exposes the websocket notification hub for transport wiring.
func (c *Core) Hub() *websocket.Hub { return c.hub }

// ProcessSNMPTrap ingests one SNMP trap. When raw text is supplied it is
// parsed; otherwise the trap is built from the pre-decoded fields. Parse
// problems never fail the call: they ride along on the event.
func (c *Core) ProcessSNMPTrap(device, ip, trapOID string, varbinds map[string]string, raw string) (*parsers.Event, []*models.Alarm) {
	var trap *parsers.SNMPTrap
	if raw != "" {
		trap = parsers.ParseSNMPTrap(raw)
		if trap.TrapOID == "" && trapOID != "" {
			trap.TrapOID = trapOID
		}
	} else {
		trap = parsers.TrapFromFields(trapOID, varbinds)
	}
	event := parsers.NormalizeTrap(trap, device, ip, raw)
	return event, c.alarms.ProcessEvent(event)
}

// ProcessSyslog ingests one syslog message. The facility and severity
// arguments are fallbacks for lines carrying no <PRI> tag; pass -1 to keep
// the parser defaults.
func (c *Core) ProcessSyslog(device, ip, message string, facility, severity int, raw string) (*parsers.Event, []*models.Alarm) {
	parsed := parsers.ParseSyslog(message)
	if !hasPriority(message) {
		parsed.Override(facility, severity)
	}
	if raw == "" {
		raw = message
	}
	event := parsers.NormalizeSyslog(parsed, device, ip, raw)
	return event, c.alarms.ProcessEvent(event)
}

func hasPriority(message string) bool {
	return len(message) > 2 && message[0] == '<'
}
