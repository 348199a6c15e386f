package alarms

import (
	"context"
	"sort"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/notifications"
)

const historyLimit = 1000

// Acknowledge transitions an ACTIVE alarm to ACKNOWLEDGED. Re-acknowledging
// with the same actor is idempotent; a different actor is a conflict.
func (e *Engine) Acknowledge(alarmID, acknowledgedBy, comments string) (*models.Alarm, error) {
	const op = "acknowledge_alarm"

	e.mu.Lock()
	alarm, ok := e.active[alarmID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NotFound(op, "alarm", alarmID)
	}
	switch alarm.Status {
	case models.AlarmStatusAcknowledged:
		if alarm.AcknowledgedBy == acknowledgedBy {
			snapshot := alarm.Clone()
			e.mu.Unlock()
			return snapshot, nil
		}
		e.mu.Unlock()
		return nil, errors.Conflict(op, "alarm", alarmID)
	case models.AlarmStatusActive:
	default:
		e.mu.Unlock()
		return nil, errors.InvalidState(op, "alarm", alarmID, string(alarm.Status))
	}

	now := time.Now().UTC()
	alarm.Status = models.AlarmStatusAcknowledged
	alarm.Acknowledged = true
	alarm.AcknowledgedBy = acknowledgedBy
	alarm.AcknowledgedAt = &now
	if comments != "" {
		alarm.AckComments = comments
	}
	snapshot := alarm.Clone()
	e.mu.Unlock()

	metrics.AlarmsAcknowledgedTotal.Inc()
	e.persistAlarm(snapshot)
	return snapshot, nil
}

// Clear transitions any non-cleared alarm to CLEARED and moves it to the
// history ring. Clearing a cleared alarm is an invalid-state error.
func (e *Engine) Clear(alarmID, clearedBy, comments string) error {
	const op = "clear_alarm"

	shard := &e.keyLocks[shardIndexForAlarm(e, alarmID)]
	shard.Lock()
	defer shard.Unlock()

	e.mu.Lock()
	alarm, ok := e.active[alarmID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound(op, "alarm", alarmID)
	}
	if alarm.Cleared() {
		e.mu.Unlock()
		return errors.InvalidState(op, "alarm", alarmID, string(alarm.Status))
	}

	now := time.Now().UTC()
	prevSeverity := alarm.Severity
	alarm.Status = models.AlarmStatusCleared
	alarm.ClearedAt = &now
	alarm.ClearedBy = clearedBy
	alarm.ClearComments = comments

	delete(e.active, alarmID)
	if e.byDedupe[alarm.DedupeKey] == alarmID {
		delete(e.byDedupe, alarm.DedupeKey)
	}
	e.history = append(e.history, *alarm)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	snapshot := alarm.Clone()
	e.mu.Unlock()

	metrics.AlarmsClearedTotal.WithLabelValues(clearActor(clearedBy)).Inc()
	metrics.AlarmsActive.WithLabelValues(string(prevSeverity)).Dec()
	e.notify(notifications.Event{Kind: notifications.KindAlarmCleared, Alarm: snapshot})
	e.persistAlarm(snapshot)
	return nil
}

func clearActor(clearedBy string) string {
	if clearedBy == "auto" {
		return "auto"
	}
	return "manual"
}

// shardIndexForAlarm resolves the alarm's dedupe key shard so Clear
// serializes against concurrent dedup refreshes of the same key.
func shardIndexForAlarm(e *Engine, alarmID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if alarm, ok := e.active[alarmID]; ok {
		return shardIndex(alarm.DedupeKey)
	}
	return shardIndex(alarmID)
}

// --- suppression ---

// Suppress creates a suppression window and transitions matching live
// alarms to SUPPRESSED. DeviceID "*" matches every device; the alarm type
// pattern supports wildcards.
func (e *Engine) Suppress(deviceID, alarmTypePattern string, duration time.Duration, reason, suppressedBy string) (*models.AlarmSuppression, error) {
	const op = "suppress_alarms"
	if deviceID == "" {
		return nil, errors.Invalid(op, "device_id", "must not be empty; use * for all devices")
	}
	if alarmTypePattern == "" {
		return nil, errors.Invalid(op, "alarm_type_pattern", "must not be empty")
	}
	if duration <= 0 {
		return nil, errors.Invalid(op, "duration", "must be positive")
	}

	now := time.Now().UTC()
	sup := &models.AlarmSuppression{
		ID:               uuid.NewString(),
		DeviceID:         deviceID,
		AlarmTypePattern: alarmTypePattern,
		StartsAt:         now,
		ExpiresAt:        now.Add(duration),
		Reason:           reason,
		SuppressedBy:     suppressedBy,
	}

	e.mu.Lock()
	e.suppressions[sup.ID] = sup
	var muted []*models.Alarm
	for _, alarm := range e.active {
		if alarm.Status != models.AlarmStatusActive && alarm.Status != models.AlarmStatusAcknowledged {
			continue
		}
		if suppressionMatches(sup, alarm.DeviceID, alarm.AlarmType) {
			alarm.Status = models.AlarmStatusSuppressed
			muted = append(muted, alarm.Clone())
		}
	}
	e.mu.Unlock()

	for _, alarm := range muted {
		metrics.AlarmsSuppressedTotal.WithLabelValues("suppression").Inc()
		e.persistAlarm(alarm)
	}
	log.Info().Str("device", deviceID).Str("pattern", alarmTypePattern).
		Dur("duration", duration).Int("muted", len(muted)).Msg("Alarm suppression created")
	return sup, nil
}

// CancelSuppression removes a suppression before its expiry and reactivates
// its alarms.
func (e *Engine) CancelSuppression(suppressionID string) error {
	e.mu.Lock()
	sup, ok := e.suppressions[suppressionID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound("cancel_suppression", "suppression", suppressionID)
	}
	delete(e.suppressions, suppressionID)
	e.mu.Unlock()

	e.releaseSuppressed(sup)
	return nil
}

// ListSuppressions returns suppressions still in effect.
func (e *Engine) ListSuppressions() []*models.AlarmSuppression {
	now := time.Now().UTC()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.AlarmSuppression, 0, len(e.suppressions))
	for _, sup := range e.suppressions {
		if sup.ActiveAt(now) {
			copied := *sup
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Run sweeps expired suppressions until ctx is cancelled. Alarms still live
// when their suppression lapses return to ACTIVE and emit one deferred
// notification each.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweepSuppressions(now.UTC())
		}
	}
}

func (e *Engine) sweepSuppressions(now time.Time) {
	e.mu.Lock()
	var expired []*models.AlarmSuppression
	for id, sup := range e.suppressions {
		if !now.Before(sup.ExpiresAt) {
			expired = append(expired, sup)
			delete(e.suppressions, id)
		}
	}
	e.mu.Unlock()

	for _, sup := range expired {
		e.releaseSuppressed(sup)
	}
}

// releaseSuppressed reactivates suppressed alarms covered by sup, unless
// another live suppression still covers them.
func (e *Engine) releaseSuppressed(sup *models.AlarmSuppression) {
	now := time.Now().UTC()

	e.mu.Lock()
	var released []*models.Alarm
	for _, alarm := range e.active {
		if alarm.Status != models.AlarmStatusSuppressed {
			continue
		}
		if !suppressionMatches(sup, alarm.DeviceID, alarm.AlarmType) {
			continue
		}
		if e.matchingSuppressionLocked(alarm.DeviceID, alarm.AlarmType, now) != nil {
			continue
		}
		alarm.Status = models.AlarmStatusActive
		released = append(released, alarm.Clone())
	}
	e.mu.Unlock()

	for _, alarm := range released {
		e.persistAlarm(alarm)
		e.notify(notifications.Event{Kind: notifications.KindAlarmDeferred, Alarm: alarm})
	}
	if len(released) > 0 {
		log.Info().Str("suppression", sup.ID).Int("released", len(released)).Msg("Suppression lapsed, alarms reactivated")
	}
}

func (e *Engine) matchingSuppression(device, alarmType string, now time.Time) *models.AlarmSuppression {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matchingSuppressionLocked(device, alarmType, now)
}

func (e *Engine) matchingSuppressionLocked(device, alarmType string, now time.Time) *models.AlarmSuppression {
	for _, sup := range e.suppressions {
		if sup.ActiveAt(now) && suppressionMatches(sup, device, alarmType) {
			return sup
		}
	}
	return nil
}

func suppressionMatches(sup *models.AlarmSuppression, device, alarmType string) bool {
	if sup.DeviceID != "*" && sup.DeviceID != device {
		return false
	}
	return wildcard.Match(sup.AlarmTypePattern, alarmType)
}

// --- queries ---

// AlarmFilter narrows ListActive output. Zero values match everything.
type AlarmFilter struct {
	DeviceID    string
	Severity    models.Severity
	MinSeverity models.Severity
	Status      models.AlarmStatus
	AlarmType   string // wildcard pattern
}

// ListActive returns non-cleared alarms matching the filter, most severe
// first, then newest first.
func (e *Engine) ListActive(filter AlarmFilter) []*models.Alarm {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Alarm, 0, len(e.active))
	for _, alarm := range e.active {
		if filter.DeviceID != "" && alarm.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Severity != "" && alarm.Severity != filter.Severity {
			continue
		}
		if filter.MinSeverity != "" && alarm.Severity.Rank() < filter.MinSeverity.Rank() {
			continue
		}
		if filter.Status != "" && alarm.Status != filter.Status {
			continue
		}
		if filter.AlarmType != "" && !wildcard.Match(filter.AlarmType, alarm.AlarmType) {
			continue
		}
		out = append(out, alarm.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].RaisedAt.After(out[j].RaisedAt)
	})
	return out
}

// Get returns one alarm, live or recently cleared.
func (e *Engine) Get(alarmID string) (*models.Alarm, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if alarm, ok := e.active[alarmID]; ok {
		return alarm.Clone(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == alarmID {
			return e.history[i].Clone(), nil
		}
	}
	return nil, errors.NotFound("get_alarm", "alarm", alarmID)
}

// History returns cleared alarms since the given time, newest first.
func (e *Engine) History(since time.Time) []models.Alarm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.Alarm
	for i := len(e.history) - 1; i >= 0; i-- {
		a := e.history[i]
		if a.ClearedAt != nil && a.ClearedAt.Before(since) {
			break
		}
		out = append(out, *a.Clone())
	}
	return out
}

// Statistics summarizes alarm volume and state.
type Statistics struct {
	TotalActive     int                        `json:"totalActive"`
	BySeverity      map[models.Severity]int    `json:"bySeverity"`
	ByStatus        map[models.AlarmStatus]int `json:"byStatus"`
	ByDevice        map[string]int             `json:"byDevice"`
	ClearedLastHour int                        `json:"clearedLastHour"`
	RuleCount       int                        `json:"ruleCount"`
}

// GetStatistics computes current alarm statistics. Device scoping applies
// when deviceID is non-empty.
func (e *Engine) GetStatistics(deviceID string) Statistics {
	stats := Statistics{
		BySeverity: make(map[models.Severity]int),
		ByStatus:   make(map[models.AlarmStatus]int),
		ByDevice:   make(map[string]int),
	}
	cutoff := time.Now().Add(-time.Hour)

	e.mu.RLock()
	defer e.mu.RUnlock()
	stats.RuleCount = len(e.rules)
	for _, alarm := range e.active {
		if deviceID != "" && alarm.DeviceID != deviceID {
			continue
		}
		stats.TotalActive++
		stats.BySeverity[alarm.Severity]++
		stats.ByStatus[alarm.Status]++
		stats.ByDevice[alarm.DeviceID]++
	}
	for _, alarm := range e.history {
		if deviceID != "" && alarm.DeviceID != deviceID {
			continue
		}
		if alarm.ClearedAt != nil && alarm.ClearedAt.After(cutoff) {
			stats.ClearedLastHour++
		}
	}
	return stats
}

// ActiveCount returns the number of non-cleared alarms.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}
