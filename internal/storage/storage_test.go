package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresWithDB(db), mock
}

func TestPostgresIncrementGuildStats(t *testing.T) {
	store, mock := newMockStore(t)
	day := time.Date(2026, 1, 15, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO guild_stats").
		WithArgs("g1", "2026-01-15", int64(0), int64(1), int64(1), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO guild_stat_counters").
		WithArgs("g1", "2026-01-15", "command:ping", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	delta := StatsDelta{Commands: 1, Errors: 1, Counters: map[string]int64{"command:ping": 1, "unused": 0}}
	if err := store.IncrementGuildStats(context.Background(), "g1", day, delta); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresIncrementSkipsEmptyDelta(t *testing.T) {
	store, mock := newMockStore(t)
	if err := store.IncrementGuildStats(context.Background(), "g1", time.Now(), StatsDelta{}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected SQL: %v", err)
	}
}

func TestPostgresIncrementRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO guild_stats").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.IncrementGuildStats(context.Background(), "g1", time.Now(), StatsDelta{Messages: 1})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCountActivity(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"key", "total"}).
		AddRow("stats", int64(9)).
		AddRow("rank", int64(3))
	mock.ExpectQuery("FROM activity_records").
		WithArgs("g1", "command", "command", since, 5).
		WillReturnRows(rows)

	got, err := store.CountActivity(context.Background(), "g1", KindCommand, "command", since, 5)
	if err != nil {
		t.Fatalf("count activity: %v", err)
	}
	if len(got) != 2 || got[0].Key != "stats" || got[0].Value != 9 {
		t.Fatalf("unexpected counters %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCountActivityUnlimited(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM activity_records").
		WithArgs("g1", "command", "status", sqlmock.AnyArg(), maxGroups).
		WillReturnRows(sqlmock.NewRows([]string{"key", "total"}))

	if _, err := store.CountActivity(context.Background(), "g1", KindCommand, "status", time.Now(), 0); err != nil {
		t.Fatalf("count activity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCompleteMemberJoinNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE member_joins").
		WillReturnRows(sqlmock.NewRows([]string{"guild_id", "user_id", "joined_at", "left_at", "duration_seconds", "dm_sent", "verified"}))

	_, err := store.CompleteMemberJoin(context.Background(), "g1", "u1", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresCompleteMemberJoin(t *testing.T) {
	store, mock := newMockStore(t)
	joined := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	left := joined.Add(90 * time.Second)

	rows := sqlmock.NewRows([]string{"guild_id", "user_id", "joined_at", "left_at", "duration_seconds", "dm_sent", "verified"}).
		AddRow("g1", "u1", joined, left, int64(90), true, false)
	mock.ExpectQuery("UPDATE member_joins").WithArgs("g1", "u1", left).WillReturnRows(rows)

	join, err := store.CompleteMemberJoin(context.Background(), "g1", "u1", left)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if join.LeftAt == nil || !join.LeftAt.Equal(left) {
		t.Fatalf("unexpected left_at %v", join.LeftAt)
	}
	if join.DurationSeconds == nil || *join.DurationSeconds != 90 {
		t.Fatalf("unexpected duration %v", join.DurationSeconds)
	}
}

func TestPostgresGetDashboardMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM dashboard_refs").
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"guild_id", "channel_id", "messages", "updated_at"}))

	if _, err := store.GetDashboard(context.Background(), "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetDashboardDecodesMessages(t *testing.T) {
	store, mock := newMockStore(t)
	updated := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM dashboard_refs").
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"guild_id", "channel_id", "messages", "updated_at"}).
			AddRow("g1", "c1", []byte(`{"overview":"m1","voice":"m2"}`), updated))

	ref, err := store.GetDashboard(context.Background(), "g1")
	if err != nil {
		t.Fatalf("get dashboard: %v", err)
	}
	if ref.ChannelID != "c1" || ref.Messages["overview"] != "m1" || ref.Messages["voice"] != "m2" {
		t.Fatalf("unexpected ref %+v", ref)
	}
}

func TestPostgresPurgeBeforeSumsTables(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, table := range []string{"activity_records", "guild_stats", "guild_stat_counters", "invite_uses", "member_joins", "audit_logs"} {
		mock.ExpectExec("DELETE FROM "+table+" WHERE").
			WithArgs(sqlmock.AnyArg(), 50).
			WillReturnResult(sqlmock.NewResult(0, 2))
	}

	n, err := store.PurgeBefore(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
