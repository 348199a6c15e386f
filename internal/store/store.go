// Package store provides durable persistence for assurance entities and
// time series using SQLite.
//
// Definitions (probes, rules, policies, collectors) and lifecycle entities
// (alarms, violations) are stored as JSON documents keyed by tenant and id.
// The two append-heavy time series (probe results, flow records) use real
// columns with (tenant_id, time) indexes and buffered background batch
// writes so ingest never blocks on fsync.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/canopyops/canopy/internal/models"
)

// Config holds configuration for the store.
type Config struct {
	DBPath          string
	WriteBufferSize int           // records to buffer before a batch write
	FlushInterval   time.Duration // max time between flushes
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:          filepath.Join(dataDir, "assurance.db"),
		WriteBufferSize: 100,
		FlushInterval:   5 * time.Second,
	}
}

type bufferedRow struct {
	query string
	args  []any
}

// Store is the SQLite-backed persistence layer. One Store serves every
// tenant; all methods take the tenant scope explicitly.
type Store struct {
	db     *sql.DB
	config Config

	bufferMu sync.Mutex
	buffer   []bufferedRow

	writeCh  chan []bufferedRow
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New opens (creating if necessary) the database at cfg.DBPath.
func New(cfg Config) (*Store, error) {
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:      db,
		config:  cfg,
		buffer:  make([]bufferedRow, 0, cfg.WriteBufferSize),
		writeCh: make(chan []bufferedRow, 100),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	go s.backgroundWriter()

	log.Info().Str("path", cfg.DBPath).Msg("Assurance store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sa_probes (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_probes_status ON sa_probes (tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS sa_probe_results (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			probe_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			success INTEGER NOT NULL,
			response_time_ms REAL,
			status_code INTEGER,
			error_message TEXT,
			metrics TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_probe_results_time ON sa_probe_results (tenant_id, probe_id, ts)`,
		`CREATE TABLE IF NOT EXISTS sa_alarm_rules (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sa_alarms (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			raised_at INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_alarms_status ON sa_alarms (tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_alarms_time ON sa_alarms (tenant_id, raised_at)`,
		`CREATE TABLE IF NOT EXISTS sa_flow_collectors (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sa_flow_records (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			collector_id TEXT NOT NULL,
			src_addr TEXT NOT NULL,
			dst_addr TEXT NOT NULL,
			src_port INTEGER NOT NULL,
			dst_port INTEGER NOT NULL,
			protocol INTEGER NOT NULL,
			packets INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			raw_packets INTEGER NOT NULL,
			raw_bytes INTEGER NOT NULL,
			flow_start INTEGER NOT NULL,
			flow_end INTEGER NOT NULL,
			ingested_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_flow_records_time ON sa_flow_records (tenant_id, ingested_at)`,
		`CREATE TABLE IF NOT EXISTS sa_sla_policies (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sa_sla_violations (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			probe_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			resolved INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sa_sla_violations_time ON sa_sla_violations (tenant_id, detected_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// backgroundWriter flushes buffered appends on a timer and drains batches
// handed over by Flush.
func (s *Store) backgroundWriter() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.Flush()
			for {
				select {
				case batch := <-s.writeCh:
					s.writeBatch(batch)
				default:
					return
				}
			}
		case <-ticker.C:
			s.Flush()
		case batch := <-s.writeCh:
			s.writeBatch(batch)
		}
	}
}

func (s *Store) enqueue(row bufferedRow) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, row)
	flush := len(s.buffer) >= s.config.WriteBufferSize
	var batch []bufferedRow
	if flush {
		batch = s.buffer
		s.buffer = make([]bufferedRow, 0, s.config.WriteBufferSize)
	}
	s.bufferMu.Unlock()

	if flush {
		select {
		case s.writeCh <- batch:
		default:
			// Writer is saturated; write inline rather than losing data
			s.writeBatch(batch)
		}
	}
}

// Flush hands the current buffer to the background writer.
func (s *Store) Flush() {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]bufferedRow, 0, s.config.WriteBufferSize)
	s.bufferMu.Unlock()
	s.writeBatch(batch)
}

func (s *Store) writeBatch(batch []bufferedRow) {
	if len(batch) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Store batch begin failed")
		return
	}
	for _, row := range batch {
		if _, err := tx.Exec(row.query, row.args...); err != nil {
			log.Error().Err(err).Msg("Store batch write failed")
			tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Store batch commit failed")
	}
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
	return s.db.Close()
}

// --- document entities ---

func (s *Store) saveDocument(table, tenantID, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)
	_, err = s.db.Exec(query, tenantID, id, string(data), time.Now().Unix())
	return err
}

func (s *Store) deleteDocument(table, tenantID, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ? AND id = ?`, table)
	_, err := s.db.Exec(query, tenantID, id)
	return err
}

func loadDocuments[T any](s *Store, table, tenantID string) ([]*T, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE tenant_id = ?`, table)
	rows, err := s.db.Query(query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		item := new(T)
		if err := json.Unmarshal([]byte(data), item); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Skipping undecodable document")
			continue
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SaveProbe persists a probe definition together with its runtime counters.
func (s *Store) SaveProbe(tenantID string, probe *models.Probe) error {
	data, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("marshal probe: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sa_probes (tenant_id, id, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		tenantID, probe.ID, string(probe.Status), string(data), time.Now().Unix())
	return err
}

// DeleteProbe removes a probe definition. Results are retained.
func (s *Store) DeleteProbe(tenantID, probeID string) error {
	_, err := s.db.Exec(`DELETE FROM sa_probes WHERE tenant_id = ? AND id = ?`, tenantID, probeID)
	return err
}

// LoadProbes returns every probe definition for the tenant.
func (s *Store) LoadProbes(tenantID string) ([]*models.Probe, error) {
	return loadDocuments[models.Probe](s, "sa_probes", tenantID)
}

// SaveAlarmRule persists a rule definition.
func (s *Store) SaveAlarmRule(tenantID string, rule *models.AlarmRule) error {
	return s.saveDocument("sa_alarm_rules", tenantID, rule.ID, rule)
}

// DeleteAlarmRule removes a rule definition.
func (s *Store) DeleteAlarmRule(tenantID, ruleID string) error {
	return s.deleteDocument("sa_alarm_rules", tenantID, ruleID)
}

// LoadAlarmRules returns every rule for the tenant.
func (s *Store) LoadAlarmRules(tenantID string) ([]*models.AlarmRule, error) {
	return loadDocuments[models.AlarmRule](s, "sa_alarm_rules", tenantID)
}

// SaveAlarm persists an alarm's current lifecycle state.
func (s *Store) SaveAlarm(tenantID string, alarm *models.Alarm) error {
	data, err := json.Marshal(alarm)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sa_alarms (tenant_id, id, status, raised_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		tenantID, alarm.ID, string(alarm.Status), alarm.RaisedAt.Unix(), string(data))
	return err
}

// LoadActiveAlarms returns alarms that were not cleared when last saved.
func (s *Store) LoadActiveAlarms(tenantID string) ([]*models.Alarm, error) {
	rows, err := s.db.Query(`SELECT data FROM sa_alarms WHERE tenant_id = ? AND status != ?`,
		tenantID, string(models.AlarmStatusCleared))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Alarm
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		alarm := new(models.Alarm)
		if err := json.Unmarshal([]byte(data), alarm); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable alarm")
			continue
		}
		out = append(out, alarm)
	}
	return out, rows.Err()
}

// SaveFlowCollector persists a collector definition and its counters.
func (s *Store) SaveFlowCollector(tenantID string, collector *models.FlowCollector) error {
	return s.saveDocument("sa_flow_collectors", tenantID, collector.ID, collector)
}

// LoadFlowCollectors returns every collector for the tenant.
func (s *Store) LoadFlowCollectors(tenantID string) ([]*models.FlowCollector, error) {
	return loadDocuments[models.FlowCollector](s, "sa_flow_collectors", tenantID)
}

// DeleteFlowCollector removes a collector definition. Its flow records are
// retained.
func (s *Store) DeleteFlowCollector(tenantID, collectorID string) error {
	return s.deleteDocument("sa_flow_collectors", tenantID, collectorID)
}

// SaveSLAPolicy persists a policy definition.
func (s *Store) SaveSLAPolicy(tenantID string, policy *models.SLAPolicy) error {
	return s.saveDocument("sa_sla_policies", tenantID, policy.ID, policy)
}

// LoadSLAPolicies returns every policy for the tenant.
func (s *Store) LoadSLAPolicies(tenantID string) ([]*models.SLAPolicy, error) {
	return loadDocuments[models.SLAPolicy](s, "sa_sla_policies", tenantID)
}

// DeleteSLAPolicy removes a policy definition.
func (s *Store) DeleteSLAPolicy(tenantID, policyID string) error {
	return s.deleteDocument("sa_sla_policies", tenantID, policyID)
}

// SaveSLAViolation persists a violation's current state.
func (s *Store) SaveSLAViolation(tenantID string, v *models.SLAViolation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	resolved := 0
	if v.ResolvedAt != nil {
		resolved = 1
	}
	_, err = s.db.Exec(`INSERT INTO sa_sla_violations (tenant_id, id, probe_id, policy_id, detected_at, resolved, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET resolved = excluded.resolved, data = excluded.data`,
		tenantID, v.ID, v.ProbeID, v.PolicyID, v.DetectedAt.Unix(), resolved, string(data))
	return err
}

// LoadSLAViolations returns violations detected since the given time.
func (s *Store) LoadSLAViolations(tenantID string, since time.Time) ([]*models.SLAViolation, error) {
	rows, err := s.db.Query(`SELECT data FROM sa_sla_violations WHERE tenant_id = ? AND detected_at >= ? ORDER BY detected_at`,
		tenantID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SLAViolation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(models.SLAViolation)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable violation")
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- time series appends (buffered) ---

// AppendProbeResult buffers a result row for background persistence.
func (s *Store) AppendProbeResult(tenantID string, r *models.ProbeResult) {
	var metrics string
	if len(r.Metrics) > 0 {
		if data, err := json.Marshal(r.Metrics); err == nil {
			metrics = string(data)
		}
	}
	success := 0
	if r.Success {
		success = 1
	}
	s.enqueue(bufferedRow{
		query: `INSERT INTO sa_probe_results (tenant_id, id, probe_id, ts, success, response_time_ms, status_code, error_message, metrics)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{tenantID, r.ID, r.ProbeID, r.Timestamp.UnixMilli(), success, r.ResponseTimeMs, r.StatusCode, r.ErrorMessage, metrics},
	})
}

// QueryProbeResults returns results for a probe since the given time, oldest
// first.
func (s *Store) QueryProbeResults(tenantID, probeID string, since time.Time) ([]models.ProbeResult, error) {
	rows, err := s.db.Query(`SELECT id, probe_id, ts, success, response_time_ms, status_code, error_message, metrics
		FROM sa_probe_results WHERE tenant_id = ? AND probe_id = ? AND ts >= ? ORDER BY ts`,
		tenantID, probeID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProbeResult
	for rows.Next() {
		var r models.ProbeResult
		var ts int64
		var success int
		var metrics sql.NullString
		if err := rows.Scan(&r.ID, &r.ProbeID, &ts, &success, &r.ResponseTimeMs, &r.StatusCode, &r.ErrorMessage, &metrics); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		r.Success = success == 1
		if metrics.Valid && metrics.String != "" {
			_ = json.Unmarshal([]byte(metrics.String), &r.Metrics)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendFlowRecord buffers a flow row for background persistence.
func (s *Store) AppendFlowRecord(tenantID string, f *models.FlowRecord) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping unmarshalable flow record")
		return
	}
	s.enqueue(bufferedRow{
		query: `INSERT INTO sa_flow_records (tenant_id, id, collector_id, src_addr, dst_addr, src_port, dst_port,
			protocol, packets, bytes, raw_packets, raw_bytes, flow_start, flow_end, ingested_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{tenantID, f.ID, f.CollectorID, f.SrcAddr, f.DstAddr, f.SrcPort, f.DstPort,
			f.Protocol, f.Packets, f.Bytes, f.Raw.Packets, f.Raw.Bytes,
			f.FlowStart.UnixMilli(), f.FlowEnd.UnixMilli(), f.IngestedAt.UnixMilli(), string(data)},
	})
}

// QueryFlowRecords returns flows ingested since the given time, oldest first.
func (s *Store) QueryFlowRecords(tenantID string, since time.Time) ([]models.FlowRecord, error) {
	rows, err := s.db.Query(`SELECT data FROM sa_flow_records WHERE tenant_id = ? AND ingested_at >= ? ORDER BY ingested_at`,
		tenantID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FlowRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f models.FlowRecord
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PruneResults deletes probe results older than the cutoff.
func (s *Store) PruneResults(tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sa_probe_results WHERE tenant_id = ? AND ts < ?`, tenantID, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneFlows deletes flow records older than the cutoff.
func (s *Store) PruneFlows(tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sa_flow_records WHERE tenant_id = ? AND ingested_at < ?`, tenantID, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
