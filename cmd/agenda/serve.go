package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mklimuk/agenda-pilot/pkg/api"
	"github.com/mklimuk/agenda-pilot/pkg/automation"
	"github.com/mklimuk/agenda-pilot/pkg/integration/discord"
	"github.com/mklimuk/agenda-pilot/pkg/integration/telegram"
)

// Scheduler job names.
const (
	jobRecurrence  = "recurrence"
	jobSync        = "sync"
	jobCalendar    = "calendar"
	jobBackupPrune = "backup-prune"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the chat bots and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) scheduler() *automation.Scheduler {
	s := automation.NewScheduler()
	s.Register(jobRecurrence, a.cfg.RecurrenceInterval, func(ctx context.Context) error {
		_, err := a.materialize(ctx)
		return err
	})
	if a.reconciler.Enabled() {
		s.Register(jobSync, a.cfg.SyncInterval, func(ctx context.Context) error {
			_, err := a.runSync(ctx)
			return err
		})
	} else {
		log.Println("sync: no remotes configured, sync job disabled")
	}
	if a.publisher != nil {
		s.Register(jobCalendar, a.cfg.Calendar.Interval, func(ctx context.Context) error {
			_, err := a.publisher.Publish(ctx, time.Now())
			return err
		})
	}
	s.Register(jobBackupPrune, time.Hour, func(ctx context.Context) error {
		_, err := a.backups.Prune()
		return err
	})
	s.OnRun(func(job string, started, finished time.Time, err error) {
		if err != nil {
			log.Printf("scheduler: job %s failed: %v", job, err)
		}
		if recErr := a.repo.RecordJobRun(job, started, finished, err); recErr != nil {
			log.Printf("scheduler: %v", recErr)
		}
	})
	return s
}

func (a *app) serve(ctx context.Context) error {
	sched := a.scheduler()
	sched.Start(ctx)
	defer sched.Stop()

	if token := a.cfg.DiscordToken; token != "" {
		bot, err := discord.NewBot(token, a.dispatcher)
		if err != nil {
			log.Printf("Failed to create Discord bot: %v", err)
		} else if err := bot.Start(); err != nil {
			log.Printf("Failed to start Discord bot: %v", err)
		} else {
			log.Println("Discord Bot started")
			defer bot.Stop()
		}
	}

	if token := a.cfg.TelegramToken; token != "" {
		tgBot, err := telegram.NewBot(token, a.dispatcher, a.cfg.TelegramAllowedChats...)
		if err != nil {
			log.Printf("Failed to create Telegram bot: %v", err)
		} else if err := tgBot.Start(ctx); err != nil {
			log.Printf("Failed to start Telegram bot: %v", err)
		} else {
			log.Println("Telegram Bot started")
			defer tgBot.Stop()
		}
	}

	router := api.NewRouter(&api.Handler{
		Engine:      a.engine,
		Dispatcher:  a.dispatcher,
		Sync:        a.reconciler,
		Backups:     a.backups,
		Repo:        a.repo,
		Materialize: a.materialize,
		RunSync:     a.runSync,
	})
	srv := &http.Server{Addr: ":" + a.cfg.Port, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", a.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
