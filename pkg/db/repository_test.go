package db

import (
	"errors"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	database, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return NewRepository(database)
}

func TestJobRuns(t *testing.T) {
	repo := setupTestDB(t)
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.RecordJobRun("recurrence", start, start.Add(time.Second), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.RecordJobRun("sync", start.Add(time.Minute), start.Add(2*time.Minute), errors.New("remote offline")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.RecordJobRun("recurrence", start.Add(5*time.Minute), start.Add(5*time.Minute), nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := repo.ListJobRuns("", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].Job != "recurrence" || !all[0].StartedAt.Equal(start.Add(5*time.Minute)) {
		t.Errorf("unexpected newest run: %+v", all[0])
	}

	latest, err := repo.GetLatestJobRun("sync")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a sync run")
	}
	if latest.Status != StatusFailed || latest.Error != "remote offline" {
		t.Errorf("unexpected sync run: %+v", latest)
	}

	// Not found
	none, err := repo.GetLatestJobRun("calendar")
	if err != nil {
		t.Fatalf("latest calendar: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil, got %+v", none)
	}
}

func TestMaterializeRuns(t *testing.T) {
	repo := setupTestDB(t)
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.RecordMaterializeRun(MaterializeRun{Created: 2, Repaired: 1, RanAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	runs, err := repo.ListMaterializeRuns(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].Created != 2 || runs[0].Repaired != 1 || runs[0].RolledForward != 0 {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestSyncRuns(t *testing.T) {
	repo := setupTestDB(t)
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.RecordSyncRun(SyncRun{Remote: "onedrive", Downloaded: true, Uploaded: true, RanAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.RecordSyncRun(SyncRun{Remote: "googledrive", Error: "quota", RanAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("record: %v", err)
	}

	runs, err := repo.ListSyncRuns(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Remote != "googledrive" || runs[0].Uploaded || runs[0].Error != "quota" {
		t.Errorf("unexpected newest run: %+v", runs[0])
	}
	if !runs[1].Downloaded || !runs[1].Uploaded {
		t.Errorf("flags lost: %+v", runs[1])
	}
}

func TestConflicts(t *testing.T) {
	repo := setupTestDB(t)
	t1 := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Hour)

	if err := repo.RecordConflicts(nil); err != nil {
		t.Fatalf("record empty: %v", err)
	}
	err := repo.RecordConflicts([]ConflictRecord{
		{Source1: "local", Source2: "onedrive", Time1: t1, Time2: t2, DifferenceMS: (5 * time.Hour).Milliseconds(), DetectedAt: t2},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := repo.ListConflicts(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(got))
	}
	if got[0].Source2 != "onedrive" || !got[0].Time2.Equal(t2) || got[0].DifferenceMS != 18000000 {
		t.Errorf("unexpected conflict: %+v", got[0])
	}
}

func TestCalendarSync(t *testing.T) {
	repo := setupTestDB(t)

	// Insert
	if err := repo.InsertCalendarSync("42", "evt-1", "Standup|2024-01-10"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := repo.GetCalendarSyncByTaskID("42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.EventID != "evt-1" {
		t.Errorf("event ID = %q", rec.EventID)
	}
	if rec.SyncKey != "Standup|2024-01-10" {
		t.Errorf("sync key = %q", rec.SyncKey)
	}

	// Update
	if err := repo.UpdateCalendarSync("42", "Standup|2024-01-11"); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec2, _ := repo.GetCalendarSyncByTaskID("42")
	if rec2.SyncKey != "Standup|2024-01-11" {
		t.Errorf("expected updated sync key, got %q", rec2.SyncKey)
	}

	// Not found
	rec3, err := repo.GetCalendarSyncByTaskID("nonexistent")
	if err != nil {
		t.Fatalf("get nonexistent: %v", err)
	}
	if rec3 != nil {
		t.Errorf("expected nil, got %+v", rec3)
	}
}

func TestDriveSync(t *testing.T) {
	repo := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := repo.UpsertDriveSync("agenda_database.json", "drv-1", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.UpsertDriveSync("agenda_database.json", "drv-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := repo.GetDriveSyncByName("agenda_database.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.DriveFileID != "drv-2" || !rec.ModifiedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := repo.DeleteDriveSync("agenda_database.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rec2, err := repo.GetDriveSyncByName("agenda_database.json")
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if rec2 != nil {
		t.Errorf("expected nil, got %+v", rec2)
	}
}
