// Package alarms correlates normalized events into deduplicated,
// lifecycle-managed alarms. The engine owns rules, active alarms, and
// suppressions for one tenant; mutations for a given dedupe key are
// serialized through a sharded lock table.
package alarms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/notifications"
	"github.com/canopyops/canopy/internal/parsers"
	"github.com/canopyops/canopy/internal/store"
)

const keyShards = 64

// Engine is the per-tenant alarm correlation engine.
type Engine struct {
	tenantID string
	cfg      config.AlarmSettings
	store    *store.Store
	notifier *notifications.Dispatcher

	mu           sync.RWMutex
	rules        map[string]*models.AlarmRule
	active       map[string]*models.Alarm // by alarm ID, non-cleared only
	byDedupe     map[string]string        // dedupe key -> alarm ID
	history      []models.Alarm           // cleared alarms, newest last, bounded
	suppressions map[string]*models.AlarmSuppression
	storms       map[string][]time.Time // (device|type) -> raise times in window

	keyLocks [keyShards]sync.Mutex

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// NewEngine constructs the alarm engine for one tenant. store and notifier
// may be nil in tests.
func NewEngine(tenantID string, cfg config.AlarmSettings, st *store.Store, notifier *notifications.Dispatcher) *Engine {
	return &Engine{
		tenantID:     tenantID,
		cfg:          cfg,
		store:        st,
		notifier:     notifier,
		rules:        make(map[string]*models.AlarmRule),
		active:       make(map[string]*models.Alarm),
		byDedupe:     make(map[string]string),
		suppressions: make(map[string]*models.AlarmSuppression),
		storms:       make(map[string][]time.Time),
		regexCache:   make(map[string]*regexp.Regexp),
	}
}

// LoadFromStore restores rules and non-cleared alarms persisted by a
// previous run.
func (e *Engine) LoadFromStore() error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.LoadAlarmRules(e.tenantID)
	if err != nil {
		return err
	}
	alarms, err := e.store.LoadActiveAlarms(e.tenantID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range rules {
		e.rules[rule.ID] = rule
	}
	for _, alarm := range alarms {
		e.active[alarm.ID] = alarm
		if alarm.DedupeKey != "" {
			e.byDedupe[alarm.DedupeKey] = alarm.ID
		}
	}
	log.Info().Int("rules", len(rules)).Int("alarms", len(alarms)).Msg("Alarm state restored")
	return nil
}

// --- rule CRUD ---

// CreateRule validates and registers an alarm rule. Terminal defaults to
// true: a matching rule stops evaluation unless it opts out.
func (e *Engine) CreateRule(rule *models.AlarmRule) (*models.AlarmRule, error) {
	const op = "create_alarm_rule"
	if err := validateRule(op, rule); err != nil {
		return nil, err
	}

	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.rules[rule.ID]; exists {
		e.mu.Unlock()
		return nil, errors.Conflict(op, "alarm_rule", rule.ID)
	}
	e.rules[rule.ID] = rule
	e.mu.Unlock()

	e.persistRule(rule)
	return rule.Clone(), nil
}

// UpdateRule replaces a rule definition, preserving its counters.
func (e *Engine) UpdateRule(rule *models.AlarmRule) (*models.AlarmRule, error) {
	const op = "update_alarm_rule"
	if err := validateRule(op, rule); err != nil {
		return nil, err
	}

	e.mu.Lock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NotFound(op, "alarm_rule", rule.ID)
	}
	updated := rule.Clone()
	updated.AlarmsGenerated = existing.AlarmsGenerated
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	e.rules[rule.ID] = updated
	e.mu.Unlock()

	e.persistRule(updated)
	return updated.Clone(), nil
}

// DeleteRule removes a rule. Alarms it raised are unaffected.
func (e *Engine) DeleteRule(ruleID string) error {
	e.mu.Lock()
	_, ok := e.rules[ruleID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound("delete_alarm_rule", "alarm_rule", ruleID)
	}
	delete(e.rules, ruleID)
	e.mu.Unlock()

	if e.store != nil {
		return e.store.DeleteAlarmRule(e.tenantID, ruleID)
	}
	return nil
}

// ListRules returns all rules sorted by descending priority.
func (e *Engine) ListRules() []*models.AlarmRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.AlarmRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

func validateRule(op string, rule *models.AlarmRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.Invalid(op, "name", "must not be empty")
	}
	switch rule.EventType {
	case models.EventTypeSNMPTrap, models.EventTypeSyslog, models.EventTypeProbe,
		models.EventTypeThreshold, models.EventTypeCustom:
	default:
		return errors.Invalid(op, "event_type", "unknown event type")
	}
	if len(rule.MatchCriteria) == 0 {
		return errors.Invalid(op, "match_criteria", "must not be empty")
	}
	if rule.Severity.Rank() == 0 && rule.Severity != models.SeverityClear {
		return errors.Invalid(op, "severity", "unknown severity")
	}
	if strings.TrimSpace(rule.AlarmType) == "" {
		return errors.Invalid(op, "alarm_type", "must not be empty")
	}
	if rule.AutoClear && len(rule.ClearConditions) == 0 {
		return errors.Invalid(op, "clear_conditions", "required when auto_clear is set")
	}
	return nil
}

// --- event processing ---

// ProcessEvent evaluates an event against the rule set. It never returns an
// error: parse or match problems are logged and counted, consistent with the
// ingest-path contract.
func (e *Engine) ProcessEvent(event *parsers.Event) []*models.Alarm {
	metrics.EventsProcessedTotal.WithLabelValues(string(event.Type)).Inc()
	if len(event.ParsingErrors) > 0 {
		metrics.EventParseErrorsTotal.WithLabelValues(string(event.Type)).Inc()
	}

	e.applyAutoClear(event)

	var fired []*models.Alarm
	for _, rule := range e.candidateRules(event.Type) {
		matched, values := e.matchRule(rule, event)
		if !matched {
			continue
		}
		if alarm := e.fireRule(rule, event, values); alarm != nil {
			fired = append(fired, alarm)
		}
		if rule.Terminal {
			break
		}
	}
	return fired
}

// candidateRules returns enabled rules for the event type, priority
// descending with rule ID as the tiebreak.
func (e *Engine) candidateRules(eventType models.EventType) []*models.AlarmRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.AlarmRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Enabled && rule.EventType == eventType {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// matchRule checks every criterion against the event. Values match
// literally unless prefixed with "~", which marks a regular expression.
func (e *Engine) matchRule(rule *models.AlarmRule, event *parsers.Event) (bool, map[string]string) {
	values := make(map[string]string, len(rule.MatchCriteria))
	for key, pattern := range rule.MatchCriteria {
		fieldValue, ok := event.Field(key)
		if !ok {
			return false, nil
		}
		if expr, isRegex := strings.CutPrefix(pattern, "~"); isRegex {
			re, err := e.compile(expr)
			if err != nil {
				log.Warn().Err(err).Str("rule", rule.ID).Str("pattern", pattern).Msg("Bad rule regex")
				return false, nil
			}
			if !re.MatchString(fieldValue) {
				return false, nil
			}
		} else if fieldValue != pattern {
			return false, nil
		}
		values[key] = fieldValue
	}
	return true, values
}

func (e *Engine) compile(expr string) (*regexp.Regexp, error) {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexCache[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.regexCache[expr] = re
	return re, nil
}

// fireRule creates or refreshes the alarm for a matched rule. Transitions
// for one dedupe key are serialized by the key's shard lock so no two
// concurrent mutations observe the same pre-state.
func (e *Engine) fireRule(rule *models.AlarmRule, event *parsers.Event, values map[string]string) *models.Alarm {
	device := event.Source.Device
	key := dedupeKey(e.tenantID, rule.ID, device, values)

	shard := &e.keyLocks[shardIndex(key)]
	shard.Lock()
	defer shard.Unlock()

	now := time.Now().UTC()

	// Dedup: refresh a live alarm instead of raising a new one
	e.mu.Lock()
	if alarmID, ok := e.byDedupe[key]; ok {
		if alarm := e.active[alarmID]; alarm != nil && !alarm.Cleared() {
			alarm.OccurrenceCount++
			alarm.LastSeen = now
			snapshot := alarm.Clone()
			e.mu.Unlock()
			metrics.AlarmsSuppressedTotal.WithLabelValues("duplicate").Inc()
			e.persistAlarm(snapshot)
			return snapshot
		}
	}
	rule2 := e.rules[rule.ID]
	if rule2 != nil {
		rule2.AlarmsGenerated++
	}
	e.mu.Unlock()

	// Storm protection: past the threshold, raises coalesce into a
	// per-(device, type) meta-alarm and individual notifications stop.
	if e.stormActive(device, rule.AlarmType, now) {
		return e.coalesceIntoStorm(rule, device, now)
	}

	alarm := &models.Alarm{
		ID:              ulid.Make().String(),
		DeviceID:        device,
		RuleID:          rule.ID,
		AlarmType:       rule.AlarmType,
		Severity:        rule.Severity,
		Title:           renderTemplate(rule.Name, event, values),
		Description:     renderTemplate(rule.DescriptionTemplate, event, values),
		Status:          models.AlarmStatusActive,
		RaisedAt:        now,
		LastSeen:        now,
		AutoClear:       rule.AutoClear,
		OccurrenceCount: 1,
		DedupeKey:       key,
		MatchedValues:   values,
	}

	suppressed := e.matchingSuppression(device, rule.AlarmType, now) != nil
	if suppressed {
		alarm.Status = models.AlarmStatusSuppressed
	}

	e.mu.Lock()
	e.active[alarm.ID] = alarm
	e.byDedupe[key] = alarm.ID
	evicted := e.enforceMemoryBoundLocked()
	e.mu.Unlock()
	e.finishEviction(evicted)

	metrics.AlarmsRaisedTotal.WithLabelValues(string(alarm.Severity), alarm.AlarmType).Inc()
	metrics.AlarmsActive.WithLabelValues(string(alarm.Severity)).Inc()
	if suppressed {
		metrics.AlarmsSuppressedTotal.WithLabelValues("suppression").Inc()
	} else {
		e.notify(notifications.Event{Kind: notifications.KindAlarmRaised, Alarm: alarm.Clone()})
	}

	e.persistAlarm(alarm.Clone())
	e.persistRule(rule)
	return alarm.Clone()
}

// applyAutoClear transitions alarms whose rule declares a clear condition
// matching this event.
func (e *Engine) applyAutoClear(event *parsers.Event) {
	e.mu.RLock()
	var clearing []*models.AlarmRule
	for _, rule := range e.rules {
		if rule.Enabled && rule.AutoClear && len(rule.ClearConditions) > 0 {
			clearing = append(clearing, rule)
		}
	}
	e.mu.RUnlock()

	for _, rule := range clearing {
		matched := true
		for key, pattern := range rule.ClearConditions {
			fieldValue, ok := event.Field(key)
			if !ok {
				matched = false
				break
			}
			if expr, isRegex := strings.CutPrefix(pattern, "~"); isRegex {
				re, err := e.compile(expr)
				if err != nil || !re.MatchString(fieldValue) {
					matched = false
					break
				}
			} else if fieldValue != pattern {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		// Clear every live alarm this rule raised on the same device
		e.mu.RLock()
		var ids []string
		for id, alarm := range e.active {
			if alarm.RuleID == rule.ID && alarm.DeviceID == event.Source.Device && !alarm.Cleared() {
				ids = append(ids, id)
			}
		}
		e.mu.RUnlock()
		for _, id := range ids {
			if err := e.Clear(id, "auto", "cleared by "+string(event.Type)+" event"); err != nil {
				log.Debug().Err(err).Str("alarm", id).Msg("Auto-clear race")
			}
		}
	}
}

// --- storm protection ---

func stormKey(device, alarmType string) string {
	return device + "|" + alarmType
}

// stormActive records the raise and reports whether the (device, type) pair
// is past the storm threshold within the window.
func (e *Engine) stormActive(device, alarmType string, now time.Time) bool {
	if e.cfg.StormThreshold <= 0 {
		return false
	}
	window := time.Duration(e.cfg.StormWindowMinutes) * time.Minute
	key := stormKey(device, alarmType)

	e.mu.Lock()
	defer e.mu.Unlock()
	times := e.storms[key]
	pruned := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	e.storms[key] = pruned
	return len(pruned) > e.cfg.StormThreshold
}

// coalesceIntoStorm upserts the meta-alarm tracking a storm; its occurrence
// count is the number of suppressed raises.
func (e *Engine) coalesceIntoStorm(rule *models.AlarmRule, device string, now time.Time) *models.Alarm {
	key := "storm|" + e.tenantID + "|" + stormKey(device, rule.AlarmType)

	e.mu.Lock()
	if alarmID, ok := e.byDedupe[key]; ok {
		if alarm := e.active[alarmID]; alarm != nil && !alarm.Cleared() {
			alarm.OccurrenceCount++
			alarm.LastSeen = now
			snapshot := alarm.Clone()
			e.mu.Unlock()
			metrics.AlarmsSuppressedTotal.WithLabelValues("storm").Inc()
			e.persistAlarm(snapshot)
			return snapshot
		}
	}

	meta := &models.Alarm{
		ID:              ulid.Make().String(),
		DeviceID:        device,
		RuleID:          rule.ID,
		AlarmType:       "alarm_storm",
		Severity:        models.SeverityMajor,
		Title:           fmt.Sprintf("Alarm storm: %s on %s", rule.AlarmType, device),
		Description:     fmt.Sprintf("More than %d %s alarms within %d minutes; further raises are coalesced", e.cfg.StormThreshold, rule.AlarmType, e.cfg.StormWindowMinutes),
		Status:          models.AlarmStatusActive,
		RaisedAt:        now,
		LastSeen:        now,
		OccurrenceCount: 1,
		DedupeKey:       key,
		Tags:            []string{"storm"},
	}
	e.active[meta.ID] = meta
	e.byDedupe[key] = meta.ID
	evicted := e.enforceMemoryBoundLocked()
	e.mu.Unlock()
	e.finishEviction(evicted)

	metrics.AlarmsRaisedTotal.WithLabelValues(string(meta.Severity), meta.AlarmType).Inc()
	metrics.AlarmsActive.WithLabelValues(string(meta.Severity)).Inc()
	metrics.AlarmsSuppressedTotal.WithLabelValues("storm").Inc()
	e.notify(notifications.Event{Kind: notifications.KindAlarmRaised, Alarm: meta.Clone()})
	e.persistAlarm(meta.Clone())
	return meta.Clone()
}

// enforceMemoryBoundLocked force-clears the oldest alarms into the history
// ring when the active map exceeds the configured bound, so a sustained
// flood cannot grow the map and dedupe index without limit. Suppressed and
// acknowledged alarms are evicted before active ones, oldest LastSeen first
// within each class. Returns the evicted snapshots for post-lock metrics and
// persistence.
func (e *Engine) enforceMemoryBoundLocked() []*models.Alarm {
	bound := e.cfg.MaxMemoryAlarms
	if bound <= 0 || len(e.active) <= bound {
		return nil
	}
	excess := len(e.active) - bound

	candidates := make([]*models.Alarm, 0, len(e.active))
	for _, alarm := range e.active {
		candidates = append(candidates, alarm)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := evictionClass(candidates[i]), evictionClass(candidates[j])
		if ci != cj {
			return ci < cj
		}
		return candidates[i].LastSeen.Before(candidates[j].LastSeen)
	})

	now := time.Now().UTC()
	evicted := make([]*models.Alarm, 0, excess)
	for _, alarm := range candidates[:excess] {
		alarm.Status = models.AlarmStatusCleared
		alarm.ClearedAt = &now
		alarm.ClearedBy = "system"
		alarm.ClearComments = "evicted: active alarm count exceeded memory bound"
		delete(e.active, alarm.ID)
		if e.byDedupe[alarm.DedupeKey] == alarm.ID {
			delete(e.byDedupe, alarm.DedupeKey)
		}
		e.history = append(e.history, *alarm)
		evicted = append(evicted, alarm.Clone())
	}
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	log.Warn().Int("bound", bound).Int("evicted", len(evicted)).
		Msg("Active alarm count exceeded memory bound, oldest alarms evicted")
	return evicted
}

// evictionClass orders eviction victims: suppressed first, acknowledged
// second, everything else last.
func evictionClass(alarm *models.Alarm) int {
	switch alarm.Status {
	case models.AlarmStatusSuppressed:
		return 0
	case models.AlarmStatusAcknowledged:
		return 1
	default:
		return 2
	}
}

func (e *Engine) finishEviction(evicted []*models.Alarm) {
	for _, alarm := range evicted {
		metrics.AlarmsActive.WithLabelValues(string(alarm.Severity)).Dec()
		metrics.AlarmsClearedTotal.WithLabelValues("auto").Inc()
		e.persistAlarm(alarm)
	}
}

// --- helpers ---

// dedupeKey hashes the tuple (tenant, rule, device, canonicalized matched
// values).
func dedupeKey(tenantID, ruleID, device string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", tenantID, ruleID, device)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%s", k, values[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % keyShards)
}

// renderTemplate substitutes {field} placeholders with event values.
func renderTemplate(template string, event *parsers.Event, values map[string]string) string {
	if template == "" {
		return event.Title
	}
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	out = strings.ReplaceAll(out, "{device}", event.Source.Device)
	out = strings.ReplaceAll(out, "{source_ip}", event.Source.IP)
	out = strings.ReplaceAll(out, "{severity}", string(event.Severity))
	out = strings.ReplaceAll(out, "{title}", event.Title)
	for key, value := range event.Details {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func (e *Engine) notify(event notifications.Event) {
	if e.notifier != nil {
		e.notifier.Notify(event)
	}
}

func (e *Engine) persistAlarm(alarm *models.Alarm) {
	if e.store != nil {
		if err := e.store.SaveAlarm(e.tenantID, alarm); err != nil {
			log.Warn().Err(err).Str("alarm", alarm.ID).Msg("Alarm persistence failed")
		}
	}
}

func (e *Engine) persistRule(rule *models.AlarmRule) {
	if e.store == nil {
		return
	}
	e.mu.RLock()
	live, ok := e.rules[rule.ID]
	var snapshot *models.AlarmRule
	if ok {
		snapshot = live.Clone()
	}
	e.mu.RUnlock()
	if snapshot == nil {
		return
	}
	if err := e.store.SaveAlarmRule(e.tenantID, snapshot); err != nil {
		log.Warn().Err(err).Str("rule", rule.ID).Msg("Rule persistence failed")
	}
}
