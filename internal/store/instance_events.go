// ABOUTME: Instance lifecycle events and their ledger queries
// ABOUTME: Records starts, reuses, replacements, stops and failed starts per tenant

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstanceAction is what happened to an instance.
type InstanceAction string

const (
	ActionStarted     InstanceAction = "started"
	ActionReused      InstanceAction = "reused"
	ActionReplaced    InstanceAction = "replaced"
	ActionStopped     InstanceAction = "stopped"
	ActionStartFailed InstanceAction = "start_failed"
	ActionReaped      InstanceAction = "reaped"
)

// Fixed-width so string order matches time order.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// InstanceEvent is one ledger row.
type InstanceEvent struct {
	ID         string // UUID v4
	TenantKey  string
	UserID     string
	ProjectID  string
	Action     InstanceAction
	Address    string // worker address, empty for failed starts
	BridgePort int
	Timestamp  time.Time
	Detail     map[string]any
}

// InstanceEventFilter narrows ListInstanceEvents.
type InstanceEventFilter struct {
	TenantKey *string
	Action    *InstanceAction
	Since     *time.Time
	Limit     int // default 100, max 1000
}

// RecordInstanceEvent appends e to the ledger. ID and Timestamp are filled in when unset.
func (s *SQLiteStore) RecordInstanceEvent(ctx context.Context, e *InstanceEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_events (event_id, tenant_key, user_id, project_id, action, address, bridge_port, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.TenantKey,
		e.UserID,
		e.ProjectID,
		string(e.Action),
		nullString(e.Address),
		nullInt(e.BridgePort),
		e.Timestamp.UTC().Format(tsFormat),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting instance event: %w", err)
	}

	s.logger.Debug("recorded instance event", "id", e.ID, "tenant_key", e.TenantKey, "action", e.Action)
	return nil
}

const instanceEventsQuery = `
	SELECT event_id, tenant_key, user_id, project_id, action, address, bridge_port, ts, detail_json
	FROM instance_events
	WHERE (? IS NULL OR tenant_key = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListInstanceEvents returns matching events, newest first.
func (s *SQLiteStore) ListInstanceEvents(ctx context.Context, f InstanceEventFilter) ([]InstanceEvent, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	var actionStr, sinceStr *string
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsFormat)
		sinceStr = &ts
	}

	rows, err := s.db.QueryContext(ctx, instanceEventsQuery,
		f.TenantKey, f.TenantKey,
		actionStr, actionStr,
		sinceStr, sinceStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying instance events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []InstanceEvent{}
	for rows.Next() {
		var e InstanceEvent
		var action, ts string
		var address, detailJSON *string
		var bridgePort *int64
		if err := rows.Scan(&e.ID, &e.TenantKey, &e.UserID, &e.ProjectID, &action, &address, &bridgePort, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning instance event: %w", err)
		}

		e.Action = InstanceAction(action)
		if address != nil {
			e.Address = *address
		}
		if bridgePort != nil {
			e.BridgePort = int(*bridgePort)
		}
		if e.Timestamp, err = time.Parse(tsFormat, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance events: %w", err)
	}
	return events, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
