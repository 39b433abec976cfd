package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
)

func setupService(t *testing.T, cfg Config) (*Service, *db.Database) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(database, cfg, logger), database
}

func record(t *testing.T, database *db.Database, roomID string, at time.Time) {
	t.Helper()
	_, err := database.RecordRun(context.Background(), db.Run{
		RoomID:       roomID,
		Language:     "java",
		VersionIndex: "4",
		Output:       "ok",
		CreatedAt:    at,
	})
	if err != nil {
		t.Fatalf("Failed to record run: %v", err)
	}
}

func TestSweepExpiresOldRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, database := setupService(t, Config{Interval: time.Minute, MaxAge: time.Hour})
	svc.now = func() time.Time { return now }

	record(t, database, "r1", now.Add(-2*time.Hour))
	record(t, database, "r1", now.Add(-90*time.Minute))
	record(t, database, "r1", now.Add(-10*time.Minute))

	res, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Expired != 2 {
		t.Errorf("Expected 2 expired runs, got %d", res.Expired)
	}

	count, _ := database.CountRuns(context.Background(), "r1")
	if count != 1 {
		t.Errorf("Expected 1 run left, got %d", count)
	}
}

func TestSweepTrimsBusyRooms(t *testing.T) {
	now := time.Now()
	svc, database := setupService(t, Config{Interval: time.Minute, KeepPerRoom: 3})

	for i := 0; i < 8; i++ {
		record(t, database, "busy", now)
	}
	record(t, database, "quiet", now)

	res, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Trimmed != 5 || res.Rooms != 1 {
		t.Errorf("Expected 5 trimmed in 1 room, got %+v", res)
	}

	ctx := context.Background()
	runs, err := database.ListRuns(ctx, "busy", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs kept, got %d", len(runs))
	}
	// newest survive
	if runs[0].ID != 8 || runs[2].ID != 6 {
		t.Errorf("Unexpected survivors: %d..%d", runs[0].ID, runs[2].ID)
	}

	if count, _ := database.CountRuns(ctx, "quiet"); count != 1 {
		t.Errorf("Quiet room should be untouched, got %d runs", count)
	}
}

func TestSweepDisabled(t *testing.T) {
	svc, database := setupService(t, Config{Interval: time.Minute})
	for i := 0; i < 5; i++ {
		record(t, database, fmt.Sprintf("r%d", i), time.Now().Add(-365*24*time.Hour))
	}

	res, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("Expected no-op sweep, got %+v", res)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, database := setupService(t, Config{Interval: 10 * time.Millisecond, KeepPerRoom: 1})
	record(t, database, "r1", time.Now())
	record(t, database, "r1", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		count, _ := database.CountRuns(context.Background(), "r1")
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Initial sweep never ran, %d runs left", count)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
