package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/mpataki/rig/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 250 * time.Millisecond

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run enabled agents on their cron schedules",
		Long: "Run the scheduler in the foreground until interrupted. Agents that are still running " +
			"when their next occurrence is due are skipped, not queued.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tz, _ := cmd.Flags().GetString("timezone")
			watch, _ := cmd.Flags().GetBool("watch")
			e, err := newEnv(cmd, envOptions{store: true, vault: true})
			if err != nil {
				return err
			}
			defer e.Close()
			listen := apiAddr(cmd, e.cfg.ListenAddr)

			if tz != "" {
				if err := e.cfg.SetTimezone(tz); err != nil {
					return err
				}
			}

			list, err := e.loadAgents()
			if err != nil {
				return err
			}

			sched, err := scheduler.New(list, e.runner(), scheduler.Options{
				Location: e.cfg.Location,
				Interval: e.cfg.TickInterval,
				Store:    e.store,
				Log:      e.log,
			})
			if err != nil {
				return err
			}
			states, err := e.store.LoadScheduleStates()
			if err != nil {
				e.log.WithError(err).Warn("failed to load schedule state")
			}
			sched.Restore(states)

			e.log.WithFields(logrus.Fields{
				"agents": len(list),
				"steps":  e.registry.Count(),
				"file":   e.agentsPath,
			}).Info("scheduler starting")
			fmt.Printf("Scheduling %d agents from %s\n", len(list), e.agentsPath)
			listStatus(sched.List(time.Now()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch {
				go func() {
					if err := watchAgents(ctx, e.agentsPath, e.log, func() error {
						updated, err := e.loadAgents()
						if err != nil {
							return err
						}
						return sched.Reload(updated)
					}); err != nil {
						e.log.WithError(err).Error("agents file watcher stopped")
					}
				}()
			}

			if listen != "" {
				srv := server.New(sched, e.store, e.log)
				go func() {
					if err := srv.Serve(ctx, listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.log.WithError(err).Error("http api stopped")
					}
				}()
			}

			sched.Start(ctx)

			e.log.WithField("grace", e.cfg.GracePeriod.String()).Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.GracePeriod)
			defer cancel()
			return sched.Shutdown(shutdownCtx)
		},
	}

	agentsFileFlag(cmd)
	cmd.Flags().String("timezone", "", "Default timezone for agents without one (default $RIG_TZ or local)")
	cmd.Flags().Bool("watch", false, "Reload agents when the file changes")
	cmd.Flags().String("listen", "", "Serve the HTTP API on this address; empty disables it (default $RIG_LISTEN or 127.0.0.1:8089)")
	return cmd
}

// apiAddr returns --listen when given, else the configured address. An
// empty result disables the HTTP API.
func apiAddr(cmd *cobra.Command, configured string) string {
	if !cmd.Flags().Changed("listen") {
		return configured
	}
	addr, _ := cmd.Flags().GetString("listen")
	return addr
}

// watchAgents calls reload after path changes. The directory is watched
// rather than the file so atomic rename-on-save is seen. A failed reload
// keeps the previous agents.
func watchAgents(ctx context.Context, path string, log logrus.FieldLogger, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	log = log.WithField("file", abs)
	log.Info("watching agents file")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := reload(); err != nil {
				log.WithError(err).Error("reload failed, keeping previous agents")
				continue
			}
			log.Info("agents reloaded from file")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watcher error")
		}
	}
}
