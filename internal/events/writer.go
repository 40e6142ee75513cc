package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction. actorKind
// distinguishes ai, human, and system writes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID, actorKind string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_id,entity_kind,entity_id,actor_id,actor_kind,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(workspaceID), entityKind, nullable(entityID), actorID, actorKind, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
