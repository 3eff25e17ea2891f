package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fireline/internal/db"
	"fireline/internal/domain"
)

// Repo reads and writes the per-incident aggregate rows. Methods that take a
// db.Querier run on whatever transaction the caller holds; the rest use DB.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IncidentRecord is the persisted incident row plus the configuration
// supplied at start.
type IncidentRecord struct {
	domain.Incident
	EntryPoints []domain.EntryPoint
	Services    []domain.Service
	AlarmAt     *int64
}

// Alarm is a scheduled wake-up in unix milliseconds.
type Alarm struct {
	IncidentID string
	At         int64
}

const incidentColumns = `id,status,severity,title,description,prompt,created_by,source,assignee,entry_point_id,rotation_id,team_id,metadata_json,entry_points_json,services_json,initialized,alarm_at,created_at,updated_at`

func scanIncident(row interface{ Scan(...any) error }) (IncidentRecord, error) {
	var (
		rec                       IncidentRecord
		rotation, team            sql.NullString
		metaJSON, epJSON, svcJSON string
		initialized               int
		alarm                     sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Status, &rec.Severity, &rec.Title, &rec.Description, &rec.Prompt, &rec.CreatedBy, &rec.Source,
		&rec.Assignee, &rec.EntryPointID, &rotation, &team, &metaJSON, &epJSON, &svcJSON, &initialized, &alarm, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.RotationID = rotation.String
	rec.TeamID = team.String
	rec.Initialized = initialized == 1
	if alarm.Valid {
		v := alarm.Int64
		rec.AlarmAt = &v
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return rec, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(epJSON), &rec.EntryPoints); err != nil {
		return rec, fmt.Errorf("decode entry points for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(svcJSON), &rec.Services); err != nil {
		return rec, fmt.Errorf("decode services for %s: %w", rec.ID, err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec, nil
}

func (r Repo) InsertIncident(ctx context.Context, q db.Querier, rec IncidentRecord) error {
	metaJSON, epJSON, svcJSON, err := encodeIncidentJSON(rec)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Status, rec.Severity, rec.Title, rec.Description, rec.Prompt, rec.CreatedBy, rec.Source, rec.Assignee,
		rec.EntryPointID, nullable(rec.RotationID), nullable(rec.TeamID), metaJSON, epJSON, svcJSON, boolInt(rec.Initialized),
		nullableInt(rec.AlarmAt), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetIncident(ctx context.Context, q db.Querier, id string) (IncidentRecord, error) {
	return scanIncident(q.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

// UpdateIncident rewrites every mutable column. The alarm is managed
// separately through SetAlarm.
func (r Repo) UpdateIncident(ctx context.Context, q db.Querier, rec IncidentRecord) error {
	metaJSON, epJSON, svcJSON, err := encodeIncidentJSON(rec)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE incidents SET status=?,severity=?,title=?,description=?,prompt=?,created_by=?,source=?,assignee=?,entry_point_id=?,rotation_id=?,team_id=?,metadata_json=?,entry_points_json=?,services_json=?,initialized=?,updated_at=? WHERE id=?`,
		rec.Status, rec.Severity, rec.Title, rec.Description, rec.Prompt, rec.CreatedBy, rec.Source, rec.Assignee, rec.EntryPointID,
		nullable(rec.RotationID), nullable(rec.TeamID), metaJSON, epJSON, svcJSON, boolInt(rec.Initialized), rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIncidents returns every live incident, newest first.
func (r Repo) ListIncidents(ctx context.Context) ([]IncidentRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DeleteIncident removes the incident and, by cascade, its events, agent
// state and affection.
func (r Repo) DeleteIncident(ctx context.Context, q db.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM incidents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InitAgentState(ctx context.Context, q db.Querier, incidentID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO agent_state(incident_id,last_processed_event_id) VALUES (?,0) ON CONFLICT(incident_id) DO NOTHING`, incidentID)
	return err
}

func (r Repo) GetAgentState(ctx context.Context, q db.Querier, incidentID string) (domain.AgentState, error) {
	var (
		st       domain.AgentState
		to, next sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `SELECT last_processed_event_id,to_event_id,next_at FROM agent_state WHERE incident_id=?`, incidentID).
		Scan(&st.LastProcessedEventID, &to, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if to.Valid {
		v := to.Int64
		st.ToEventID = &v
	}
	if next.Valid {
		v := next.Int64
		st.NextAt = &v
	}
	return st, nil
}

func (r Repo) SaveAgentState(ctx context.Context, q db.Querier, incidentID string, st domain.AgentState) error {
	_, err := q.ExecContext(ctx, `UPDATE agent_state SET last_processed_event_id=?,to_event_id=?,next_at=? WHERE incident_id=?`,
		st.LastProcessedEventID, nullableInt(st.ToEventID), nullableInt(st.NextAt), incidentID)
	return err
}

// GetAffection returns the affection and whether one exists.
func (r Repo) GetAffection(ctx context.Context, q db.Querier, incidentID string) (domain.Affection, bool, error) {
	var (
		a       domain.Affection
		svcJSON string
	)
	err := q.QueryRowContext(ctx, `SELECT current_status,title,services_json,updated_at FROM affections WHERE incident_id=?`, incidentID).
		Scan(&a.CurrentStatus, &a.Title, &svcJSON, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	if err := json.Unmarshal([]byte(svcJSON), &a.Services); err != nil {
		return a, false, fmt.Errorf("decode affection services: %w", err)
	}
	return a, true, nil
}

func (r Repo) SaveAffection(ctx context.Context, q db.Querier, incidentID string, a domain.Affection) error {
	svcJSON, err := json.Marshal(a.Services)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO affections(incident_id,current_status,title,services_json,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(incident_id) DO UPDATE SET current_status=excluded.current_status,title=excluded.title,services_json=excluded.services_json,updated_at=excluded.updated_at`,
		incidentID, a.CurrentStatus, a.Title, string(svcJSON), a.UpdatedAt)
	return err
}

// SetAlarm replaces the single scheduled wake-up. A nil at clears it.
func (r Repo) SetAlarm(ctx context.Context, q db.Querier, incidentID string, at *time.Time) error {
	var v any
	if at != nil {
		v = at.UnixMilli()
	}
	_, err := q.ExecContext(ctx, `UPDATE incidents SET alarm_at=? WHERE id=?`, v, incidentID)
	return err
}

// EnsureAlarm moves the wake-up earlier to at, never later.
func (r Repo) EnsureAlarm(ctx context.Context, q db.Querier, incidentID string, at time.Time) error {
	ms := at.UnixMilli()
	_, err := q.ExecContext(ctx, `UPDATE incidents SET alarm_at=CASE WHEN alarm_at IS NULL OR alarm_at>? THEN ? ELSE alarm_at END WHERE id=?`, ms, ms, incidentID)
	return err
}

// DueAlarms lists wake-ups at or before now, earliest first.
func (r Repo) DueAlarms(ctx context.Context, now time.Time) ([]Alarm, error) {
	return r.queryAlarms(ctx, `SELECT id,alarm_at FROM incidents WHERE alarm_at IS NOT NULL AND alarm_at<=? ORDER BY alarm_at, id`, now.UnixMilli())
}

// ScheduledAlarms lists every pending wake-up, earliest first.
func (r Repo) ScheduledAlarms(ctx context.Context) ([]Alarm, error) {
	return r.queryAlarms(ctx, `SELECT id,alarm_at FROM incidents WHERE alarm_at IS NOT NULL ORDER BY alarm_at, id`)
}

func (r Repo) queryAlarms(ctx context.Context, query string, args ...any) ([]Alarm, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Alarm
	for rows.Next() {
		var a Alarm
		if err := rows.Scan(&a.IncidentID, &a.At); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func encodeIncidentJSON(rec IncidentRecord) (string, string, string, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", "", fmt.Errorf("encode metadata: %w", err)
	}
	eps := rec.EntryPoints
	if eps == nil {
		eps = []domain.EntryPoint{}
	}
	epJSON, err := json.Marshal(eps)
	if err != nil {
		return "", "", "", fmt.Errorf("encode entry points: %w", err)
	}
	svcs := rec.Services
	if svcs == nil {
		svcs = []domain.Service{}
	}
	svcJSON, err := json.Marshal(svcs)
	if err != nil {
		return "", "", "", fmt.Errorf("encode services: %w", err)
	}
	return string(metaJSON), string(epJSON), string(svcJSON), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
