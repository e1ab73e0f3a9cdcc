//go:build e2e

package store

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/teamwarden/internal/notify"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("teamwarden_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	return dsn
}

func TestArchiveRecoveries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := New(ctx, startPostgres(t, ctx), zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Applied migrations are skipped.
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	events := []notify.Event{
		notify.RecoveryEvent("/p", notify.RecoveryNotification{
			TeamID: "t1", FailedMemberID: "m1", ReplacementMemberID: "m2",
			Role: "dev", Reason: "Heartbeat timeout", Success: true, Timestamp: base,
		}),
		notify.RecoveryEvent("/p", notify.RecoveryNotification{
			TeamID: "t1", FailedMemberID: "m2", ReplacementMemberID: "none",
			Role: "dev", Reason: "Agent reported failure", Success: false, Timestamp: base.Add(time.Minute),
		}),
		notify.RecoveryEvent("/q", notify.RecoveryNotification{
			TeamID: "t2", FailedMemberID: "x", ReplacementMemberID: "y",
			Role: "qa", Reason: "Heartbeat timeout", Success: true, Timestamp: base.Add(2 * time.Minute),
		}),
		notify.MemberStatusEvent("/p", "t1", "m1", "failed"),
	}
	for i := range events {
		events[i].ID = []string{"e1", "e2", "e3", "e4"}[i]
		if err := s.Send(ctx, events[i]); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// Redelivery is ignored.
	if err := s.Send(ctx, events[0]); err != nil {
		t.Fatalf("resend: %v", err)
	}

	got, err := s.RecentRecoveries(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e2" || got[1].EventID != "e1" {
		t.Fatalf("unexpected recoveries: %+v", got)
	}
	if got[1].ReplacementMemberID != "m2" || !got[1].Timestamp.Equal(base) {
		t.Fatalf("fields not round-tripped: %+v", got[1])
	}

	all, err := s.RecentRecoveries(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 archived recoveries, got %d", len(all))
	}

	st, err := s.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.Succeeded != 1 || st.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
