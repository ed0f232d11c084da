package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = time.RFC3339Nano

// OutboxEvent mirrors spec §3 OutboxEvent.
type OutboxEvent struct {
	EventID        int64
	TS             time.Time
	Kind           string
	ProjectID      *string
	BriefingID     *string
	BroadcastLevel *string
	PayloadJSON    string
	Delivered      bool
}

// InsertOutboxEvent appends a new row; event_id is assigned by sqlite's
// autoincrement and never decreases, per spec §3's invariant.
func (s *Store) InsertOutboxEvent(e *OutboxEvent) error {
	res, err := s.db.Exec(`INSERT INTO outbox_events (ts, kind, project_id, briefing_id, broadcast_level, payload_json, delivered)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		time.Now().UTC().Format(timeFmt), e.Kind, e.ProjectID, e.BriefingID, e.BroadcastLevel, e.PayloadJSON)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.EventID = id
	return nil
}

// OutboxEventsAfter reads up to limit events with event_id > cursor, in
// increasing id order. Used both by the tailer's poll and by a client's
// replay request; it never mutates delivered state.
func (s *Store) OutboxEventsAfter(cursor int64, limit int) ([]*OutboxEvent, error) {
	rows, err := s.db.Query(`SELECT event_id, ts, kind, project_id, briefing_id, broadcast_level, payload_json, delivered
		FROM outbox_events WHERE event_id > ? ORDER BY event_id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

// MarkOutboxDelivered bulk-marks the given event ids delivered=1, at most
// once per event (spec §4.4).
func (s *Store) MarkOutboxDelivered(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE outbox_events SET delivered = 1 WHERE event_id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark delivered %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// LatestOutboxEventID returns the current maximum event_id, or 0 if the
// table is empty. Used to initialize OutboxTailer's in-memory cursor.
func (s *Store) LatestOutboxEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(event_id) FROM outbox_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest outbox id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// DeleteDeliveredOlderThan implements the retention policy in spec §6:
// delivered rows older than the cutoff may be deleted.
func (s *Store) DeleteDeliveredOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM outbox_events WHERE delivered = 1 AND ts < ?`, cutoff.UTC().Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("delete old outbox events: %w", err)
	}
	return res.RowsAffected()
}

func scanOutboxEvents(rows *sql.Rows) ([]*OutboxEvent, error) {
	var out []*OutboxEvent
	for rows.Next() {
		e := &OutboxEvent{}
		var ts string
		var delivered int
		if err := rows.Scan(&e.EventID, &ts, &e.Kind, &e.ProjectID, &e.BriefingID, &e.BroadcastLevel, &e.PayloadJSON, &delivered); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.TS = parseTime(ts)
		e.Delivered = delivered != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
