package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

// AlertRepo backs server.AlertStore and the Alert/Event Bus's persisted
// user-facing alert store, over alerts.db.
type AlertRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAlertRepo builds an AlertRepo over an already-migrated alerts.db.
func NewAlertRepo(db *database.DB, log zerolog.Logger) *AlertRepo {
	return &AlertRepo{db: db, log: log.With().Str("component", "alert_repo").Logger()}
}

// CreateAlert inserts a new user-facing alert, generating an id if the
// caller hasn't supplied one. Used by events.AlertSink to persist
// warning-and-above bus events as alerts.
func (r *AlertRepo) CreateAlert(ctx context.Context, strategy string, a domain.Alert) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal alert payload: %w", err)
	}
	actionsJSON, err := json.Marshal(a.ProposedActions)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal proposed actions: %w", err)
	}
	var expiresAt interface{}
	if a.ExpiresAt != nil {
		expiresAt = a.ExpiresAt.Format(time.RFC3339)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO user_alerts (id, strategy_id, type, severity, title, body, payload, proposed_actions, created_at, expires_at, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.ID, strategy, a.Type, a.Severity.String(), a.Title, a.Body, string(payloadJSON), string(actionsJSON),
		a.CreatedAt.Format(time.RFC3339), expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("persistence: create alert: %w", err)
	}
	return a.ID, nil
}

// RespondToAlert implements server.AlertStore.
func (r *AlertRepo) RespondToAlert(ctx context.Context, alertID string, action domain.AlertResponse) error {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_alerts SET response_action = ?, response_at = ? WHERE id = ?`,
		action.Action, action.Timestamp.Format(time.RFC3339), alertID,
	)
	if err != nil {
		return fmt.Errorf("persistence: respond to alert %s: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAlertRead implements server.AlertStore.
func (r *AlertRepo) MarkAlertRead(ctx context.Context, alertID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE user_alerts SET read = 1 WHERE id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("persistence: mark alert %s read: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserAlerts implements server.AlertStore. Alerts span every strategy
// owned by userID; since strategy ownership lives in strategy.db, callers
// pass the set of strategy ids the user owns is resolved upstream — here
// userID is treated as a strategy_id filter when non-empty, matching how
// single-account deployments key alerts directly by strategy.
func (r *AlertRepo) UserAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, strategy_id, type, severity, title, body, payload, proposed_actions,
		       created_at, expires_at, response_action, response_at, read
		FROM user_alerts WHERE strategy_id = ? OR ? = '' ORDER BY created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("persistence: user alerts for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var strategyID, severity, payloadJSON, actionsJSON, createdAt string
		var expiresAt, responseAction, responseAt sql.NullString
		var read int
		if err := rows.Scan(&a.ID, &strategyID, &a.Type, &severity, &a.Title, &a.Body, &payloadJSON,
			&actionsJSON, &createdAt, &expiresAt, &responseAction, &responseAt, &read); err != nil {
			return nil, fmt.Errorf("persistence: scan alert: %w", err)
		}
		a.Severity = severityFromString(severity)
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		_ = json.Unmarshal([]byte(payloadJSON), &a.Payload)
		_ = json.Unmarshal([]byte(actionsJSON), &a.ProposedActions)
		a.Read = read != 0
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339, expiresAt.String)
			a.ExpiresAt = &t
		}
		if responseAction.Valid {
			resp := domain.AlertResponse{Action: responseAction.String}
			if responseAt.Valid {
				resp.Timestamp, _ = time.Parse(time.RFC3339, responseAt.String)
			}
			a.Response = &resp
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func severityFromString(s string) domain.Severity {
	switch s {
	case "warning":
		return domain.SeverityWarning
	case "critical":
		return domain.SeverityCritical
	case "urgent":
		return domain.SeverityUrgent
	default:
		return domain.SeverityInfo
	}
}
