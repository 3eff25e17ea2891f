package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fireline/internal/db"
	"fireline/internal/domain"
)

// Store is the append-only per-incident event log. Rows are only ever
// updated to publish them, count delivery attempts, or fill the
// INCIDENT_CREATED placeholder once classification completes.
type Store struct {
	Now func() time.Time
}

// Draft describes an event before it is assigned an id.
type Draft struct {
	Type        string
	Data        any
	Metadata    any
	Adapter     string
	Published   bool
	Forwardable bool
	DedupeKey   string
	MessageID   string
}

const selectColumns = `id,incident_id,event_type,event_data,event_metadata,created_at,published_at,attempts,adapter,forwardable,dedupe_key`

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Timestamp formats t the way every event column stores it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Append inserts d with the next gapless id for incidentID and returns it.
// It must run inside the command transaction so id assignment is atomic.
func (s Store) Append(ctx context.Context, tx *sql.Tx, incidentID string, d Draft) (int64, error) {
	if d.Type == "" {
		return 0, errors.New("event type is required")
	}
	if d.Adapter == "" {
		return 0, errors.New("event adapter is required")
	}
	data, err := marshalObject(d.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal %s data: %w", d.Type, err)
	}
	var meta any
	if d.Metadata != nil {
		raw, err := marshalObject(d.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal %s metadata: %w", d.Type, err)
		}
		meta = raw
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0)+1 FROM incident_events WHERE incident_id=?`, incidentID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}
	ts := Timestamp(s.now())
	var published any
	if d.Published {
		published = ts
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO incident_events(incident_id,id,event_type,event_data,event_metadata,created_at,published_at,attempts,adapter,forwardable,dedupe_key,message_id) VALUES (?,?,?,?,?,?,?,0,?,?,?,?)`,
		incidentID, next, d.Type, data, meta, ts, published, d.Adapter, boolInt(d.Forwardable), nullable(d.DedupeKey), nullable(d.MessageID))
	if err != nil {
		return 0, fmt.Errorf("insert %s event: %w", d.Type, err)
	}
	return next, nil
}

// All returns the full log in append order.
func (s Store) All(ctx context.Context, q db.Querier, incidentID string) ([]domain.Event, error) {
	return s.After(ctx, q, incidentID, 0)
}

// After returns every event with id > fromExclusive in ascending order.
func (s Store) After(ctx context.Context, q db.Querier, incidentID string, fromExclusive int64) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND id>? ORDER BY id ASC`, selectColumns)
	return queryEvents(ctx, q, query, incidentID, fromExclusive)
}

// Range returns events with fromExclusive < id <= toInclusive in ascending
// order. The range is empty when toInclusive <= fromExclusive.
func (s Store) Range(ctx context.Context, q db.Querier, incidentID string, fromExclusive, toInclusive int64) ([]domain.Event, error) {
	if toInclusive <= fromExclusive {
		return []domain.Event{}, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND id>? AND id<=? ORDER BY id ASC`, selectColumns)
	return queryEvents(ctx, q, query, incidentID, fromExclusive, toInclusive)
}

// PendingForDispatch returns the outbox: unpublished forwardable events that have not
// exhausted maxAttempts, oldest first.
func (s Store) PendingForDispatch(ctx context.Context, q db.Querier, incidentID string, maxAttempts int) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND published_at IS NULL AND forwardable=1 AND attempts<? ORDER BY id ASC`, selectColumns)
	return queryEvents(ctx, q, query, incidentID, maxAttempts)
}

// CountPending counts the events PendingForDispatch would return.
func (s Store) CountPending(ctx context.Context, q db.Querier, incidentID string, maxAttempts int) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_events WHERE incident_id=? AND published_at IS NULL AND forwardable=1 AND attempts<?`, incidentID, maxAttempts).Scan(&n)
	return n, err
}

// DeadLettered returns forwardable events that exhausted their attempts.
func (s Store) DeadLettered(ctx context.Context, q db.Querier, incidentID string, maxAttempts int) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND published_at IS NULL AND forwardable=1 AND attempts>=? ORDER BY id ASC`, selectColumns)
	return queryEvents(ctx, q, query, incidentID, maxAttempts)
}

// Outbox filters accepted by Tail.
const (
	OutboxPending = "pending"
	OutboxDead    = "dead"
)

// Filter narrows a Tail read. An empty Outbox reads the whole log and a
// Limit of zero keeps every match.
type Filter struct {
	Type        string
	Outbox      string
	Limit       int
	MaxAttempts int
}

// Tail returns the last f.Limit events matching f, oldest first.
func (s Store) Tail(ctx context.Context, q db.Querier, incidentID string, f Filter) ([]domain.Event, error) {
	var evts []domain.Event
	var err error
	switch f.Outbox {
	case "":
		evts, err = s.All(ctx, q, incidentID)
	case OutboxPending:
		evts, err = s.PendingForDispatch(ctx, q, incidentID, f.MaxAttempts)
	case OutboxDead:
		evts, err = s.DeadLettered(ctx, q, incidentID, f.MaxAttempts)
	default:
		return nil, fmt.Errorf("unknown outbox filter %q", f.Outbox)
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(evts))
	for _, e := range evts {
		if f.Type == "" || e.Type == f.Type {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Get returns a single event.
func (s Store) Get(ctx context.Context, q db.Querier, incidentID string, id int64) (domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND id=?`, selectColumns)
	return scanEvent(q.QueryRowContext(ctx, query, incidentID, id))
}

// FindByDedupeKey returns the event previously stored under key, if any.
func (s Store) FindByDedupeKey(ctx context.Context, q db.Querier, incidentID, key string) (domain.Event, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND dedupe_key=?`, selectColumns)
	evt, err := scanEvent(q.QueryRowContext(ctx, query, incidentID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	return evt, true, nil
}

// FirstOfType returns the oldest event with the given type.
func (s Store) FirstOfType(ctx context.Context, q db.Querier, incidentID, evtType string) (domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM incident_events WHERE incident_id=? AND event_type=? ORDER BY id ASC LIMIT 1`, selectColumns)
	return scanEvent(q.QueryRowContext(ctx, query, incidentID, evtType))
}

// MessageIDs returns the subset of ids already recorded on MESSAGE_ADDED events.
func (s Store) MessageIDs(ctx context.Context, q db.Querier, incidentID string, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{incidentID, domain.EventMessageAdded}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT message_id FROM incident_events WHERE incident_id=? AND event_type=? AND message_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// MarkPublished stamps published_at once; later calls leave it untouched.
func (s Store) MarkPublished(ctx context.Context, q db.Querier, incidentID string, id int64) error {
	_, err := q.ExecContext(ctx, `UPDATE incident_events SET published_at=? WHERE incident_id=? AND id=? AND published_at IS NULL`,
		Timestamp(s.now()), incidentID, id)
	return err
}

// IncrementAttempts bumps attempts, never past limit, and returns the new value.
func (s Store) IncrementAttempts(ctx context.Context, q db.Querier, incidentID string, id int64, limit int) (int, error) {
	if _, err := q.ExecContext(ctx, `UPDATE incident_events SET attempts=MIN(attempts+1, ?) WHERE incident_id=? AND id=?`, limit, incidentID, id); err != nil {
		return 0, err
	}
	var attempts int
	err := q.QueryRowContext(ctx, `SELECT attempts FROM incident_events WHERE incident_id=? AND id=?`, incidentID, id).Scan(&attempts)
	return attempts, err
}

// UpdateData overwrites event_data. Only the INCIDENT_CREATED placeholder
// is filled this way.
func (s Store) UpdateData(ctx context.Context, q db.Querier, incidentID string, id int64, data any) error {
	raw, err := marshalObject(data)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE incident_events SET event_data=? WHERE incident_id=? AND id=? AND event_type=?`, raw, incidentID, id, domain.EventIncidentCreated)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d is not an %s placeholder", id, domain.EventIncidentCreated)
	}
	return nil
}

// LatestID returns the newest event id, or zero when the log is empty.
func (s Store) LatestID(ctx context.Context, q db.Querier, incidentID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM incident_events WHERE incident_id=?`, incidentID).Scan(&id)
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e         domain.Event
		data      string
		meta      sql.NullString
		published sql.NullString
		forward   int
		dedupe    sql.NullString
	)
	if err := row.Scan(&e.ID, &e.IncidentID, &e.Type, &data, &meta, &e.CreatedAt, &published, &e.Attempts, &e.Adapter, &forward, &dedupe); err != nil {
		return domain.Event{}, err
	}
	e.Data = json.RawMessage(data)
	if meta.Valid {
		e.Metadata = json.RawMessage(meta.String)
	}
	if published.Valid {
		v := published.String
		e.PublishedAt = &v
	}
	e.Forwardable = forward == 1
	if dedupe.Valid {
		v := dedupe.String
		e.DedupeKey = &v
	}
	return e, nil
}

func queryEvents(ctx context.Context, q db.Querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalObject(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return "{}", nil
		}
		if !json.Valid(raw) {
			return "", errors.New("invalid json")
		}
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
