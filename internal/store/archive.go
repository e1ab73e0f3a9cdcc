package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/teamwarden/internal/notify"
)

// ArchivedRecovery is one stored recovery notification.
type ArchivedRecovery struct {
	EventID     string `json:"event_id"`
	ProjectPath string `json:"project_path"`
	notify.RecoveryNotification
}

// RecoveryStats aggregates archived recoveries of one team.
type RecoveryStats struct {
	TeamID    string `json:"team_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Name implements notify.Sink.
func (s *Store) Name() string { return "postgres" }

// Send archives recovery events and ignores the rest. Redelivery of the
// same event id is a no-op.
func (s *Store) Send(ctx context.Context, ev notify.Event) error {
	if ev.Kind != notify.KindRecovery || ev.Recovery == nil {
		return nil
	}
	r := ev.Recovery
	_, err := s.db.Exec(ctx, `
		INSERT INTO recovery_notifications
			(id, project_path, team_id, failed_member_id, replacement_member_id, role, reason, success, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.ProjectPath, r.TeamID, r.FailedMemberID, r.ReplacementMemberID,
		r.Role, r.Reason, r.Success, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive recovery: %w", err)
	}
	return nil
}

// RecentRecoveries returns archived recoveries newest first. An empty
// teamID matches every team.
func (s *Store) RecentRecoveries(ctx context.Context, teamID string, limit int) ([]ArchivedRecovery, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, project_path, team_id, failed_member_id, replacement_member_id,
		       role, reason, success, occurred_at
		FROM recovery_notifications
		WHERE $1 = '' OR team_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recoveries: %w", err)
	}
	defer rows.Close()

	var out []ArchivedRecovery
	for rows.Next() {
		var a ArchivedRecovery
		if err := rows.Scan(&a.EventID, &a.ProjectPath, &a.TeamID, &a.FailedMemberID,
			&a.ReplacementMemberID, &a.Role, &a.Reason, &a.Success, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan recovery: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats counts archived recoveries of a team by outcome.
func (s *Store) Stats(ctx context.Context, teamID string) (RecoveryStats, error) {
	st := RecoveryStats{TeamID: teamID}
	err := s.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE success),
		       count(*) FILTER (WHERE NOT success)
		FROM recovery_notifications
		WHERE team_id = $1`, teamID,
	).Scan(&st.Total, &st.Succeeded, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("recovery stats: %w", err)
	}
	return st, nil
}
