package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/backup"
	"github.com/mklimuk/agenda-pilot/pkg/command"
	"github.com/mklimuk/agenda-pilot/pkg/config"
	"github.com/mklimuk/agenda-pilot/pkg/db"
	"github.com/mklimuk/agenda-pilot/pkg/integration/calendar"
	"github.com/mklimuk/agenda-pilot/pkg/integration/drive"
	"github.com/mklimuk/agenda-pilot/pkg/recurring"
	"github.com/mklimuk/agenda-pilot/pkg/store"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg        *config.Config
	files      *store.Files
	database   *db.DB
	repo       *db.Repository
	engine     *recurring.Engine
	backups    *backup.Manager
	reconciler *sync.Reconciler
	dispatcher *command.Dispatcher
	publisher  *calendar.Publisher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	files, err := store.NewFiles(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	a := &app{
		cfg:      cfg,
		files:    files,
		database: database,
		repo:     db.NewRepository(database),
	}

	a.backups, err = backup.NewManager(cfg.BackupDir(), cfg.BackupKeep)
	if err != nil {
		a.Close()
		return nil, err
	}

	var remotes []sync.Remote
	for _, r := range cfg.Remotes {
		remotes = append(remotes, sync.NewFolderRemote(r.Name, r.Path))
	}
	if cfg.Drive.FolderID != "" {
		svc, err := drive.NewService(ctx, cfg.GoogleCredentialsFile, cfg.Drive.FolderID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Drive service: %w", err)
		}
		remotes = append(remotes, drive.NewRemote(cfg.Drive.Name, svc, a.repo))
	}

	opts := sync.Options{DeviceName: cfg.DeviceName, Backups: a.backups}
	if cfg.History.Enabled {
		history := sync.NewGitHistory(cfg.DataDir, cfg.History.Push)
		history.SSHKeyPath = cfg.History.SSHKeyPath
		opts.History = history
	}
	a.reconciler = sync.NewReconciler(sync.NewLocal(files), remotes, opts)

	a.engine = recurring.NewEngine(files, recurring.Options{
		Window:      cfg.WindowDays,
		RollForward: cfg.RollForward,
	})

	if cfg.Calendar.ID != "" {
		svc, err := calendar.NewService(ctx, cfg.GoogleCredentialsFile, cfg.Calendar.ID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Calendar service: %w", err)
		}
		a.publisher = calendar.NewPublisher(svc, files, a.repo, cfg.Calendar.HorizonDays)
		a.engine.Observe(func(ctx context.Context, created []store.Task) {
			if _, err := a.publisher.PublishTasks(ctx, created); err != nil {
				log.Printf("calendar: failed to publish new occurrences: %v", err)
			}
		})
	}

	var syncFn command.SyncFunc
	if a.reconciler.Enabled() {
		syncFn = a.runSync
	}
	a.dispatcher = command.NewDispatcher(files, a.engine, syncFn)
	return a, nil
}

func (a *app) Close() {
	if err := a.database.Close(); err != nil {
		log.Printf("Failed to close DB: %v", err)
	}
}

// materialize runs the engine and records the run in the ledger.
func (a *app) materialize(ctx context.Context) (recurring.Result, error) {
	now := time.Now()
	res, err := a.engine.Materialize(ctx, now)
	if err != nil {
		return res, err
	}
	if len(res.Created) > 0 {
		log.Printf("recurring: created %d task(s)", len(res.Created))
	}
	if res.Changed {
		run := db.MaterializeRun{
			Created:       len(res.Created),
			RolledForward: len(res.RolledForward),
			Repaired:      len(res.Repaired),
			RanAt:         now,
		}
		if err := a.repo.RecordMaterializeRun(run); err != nil {
			log.Printf("recurring: %v", err)
		}
	}
	return res, nil
}

// runSync runs the reconciler and records per-remote outcomes and any
// conflicts left afterwards.
func (a *app) runSync(ctx context.Context) (map[string]sync.Outcome, error) {
	outcomes, runErr := a.reconciler.PerformSync(ctx)
	now := time.Now()
	for name, out := range outcomes {
		run := db.SyncRun{
			Remote:     name,
			Downloaded: out.Downloaded,
			Uploaded:   out.Uploaded,
			Error:      out.Error,
			RanAt:      now,
		}
		if err := a.repo.RecordSyncRun(run); err != nil {
			log.Printf("sync: %v", err)
		}
	}

	conflicts := a.reconciler.DetectConflicts(ctx)
	if len(conflicts) > 0 {
		log.Printf("sync: %d conflict(s) detected, resolve them with POST /api/sync/resolve", len(conflicts))
		records := make([]db.ConflictRecord, 0, len(conflicts))
		for _, c := range conflicts {
			records = append(records, db.ConflictRecord{
				Source1:      c.Source1,
				Source2:      c.Source2,
				Time1:        c.Time1,
				Time2:        c.Time2,
				DifferenceMS: c.Difference,
				DetectedAt:   now,
			})
		}
		if err := a.repo.RecordConflicts(records); err != nil {
			log.Printf("sync: %v", err)
		}
	}
	return outcomes, runErr
}
