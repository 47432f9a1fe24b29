// Command hottubd is the always-on HTTP daemon exposing the
// controller, job scheduler, and deadline planner over HTTP, for
// anything that wants to drive the hot tub without shelling out to
// hottubctl. Wiring follows cmd/scheduler/main.go's shape: load
// config, build collaborators bottom-up, wire the top-level service,
// run until signaled, shut down gracefully.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/calibration"
	"github.com/science/hottub-controller/internal/config"
	"github.com/science/hottub-controller/internal/controller"
	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/equipment"
	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/healthcheck"
	"github.com/science/hottub-controller/internal/historystore"
	"github.com/science/hottub-controller/internal/httpapi"
	"github.com/science/hottub-controller/internal/jobs"
	"github.com/science/hottub-controller/internal/notify"
	"github.com/science/hottub-controller/internal/planner"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/internal/webhook"
	appLogger "github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := appLogger.New(cfg.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting hottubd", zap.String("state_dir", cfg.StateDir))

	metrics.Init()

	sensors := buildSensorStore(cfg, log)
	events := eventlog.New(filepath.Join(cfg.StateDir, "logs", "equipment-events.log"))
	equip := equipment.New(filepath.Join(cfg.StateDir, "state", "equipment-status.json"), sensors, events, log)
	hooks := webhook.New(cfg.WebhookBaseURL, cfg.WebhookTimeout, log)
	cronTable := crontab.NewShellAdapter(cfg.CrontabBinary, log)
	cronScheduler := crontab.NewScheduler(cronTable, log)

	var calib *calibration.Service
	if path := os.Getenv("CALIBRATION_OFFSETS_PATH"); path != "" {
		calib = calibration.New(path)
	}

	ctrl := controller.New(
		filepath.Join(cfg.StateDir, "state", "target-temperature.json"),
		sensors, equip, hooks, cronScheduler, calib, log,
	)

	if cfg.HistoryDBPath != "" {
		history, err := historystore.Open(cfg.HistoryDBPath)
		if err != nil {
			log.Warn("failed to open history store, proceeding without it", zap.Error(err))
		} else {
			defer history.Close()
			ctrl.WithHistory(history)
		}
	}

	if cfg.FCMCredentialsPath != "" {
		notifier, err := notify.New(context.Background(), cfg.FCMCredentialsPath, log)
		if err != nil {
			log.Warn("failed to initialize owner notifications, proceeding without them", zap.Error(err))
		} else {
			ctrl.WithNotifier(notifier, cfg.OwnerDeviceTokens)
		}
	}

	health := buildHealthMonitor(cfg, log)
	jobScheduler := jobs.New(filepath.Join(cfg.StateDir, "scheduled-jobs"), cronScheduler, health, "hottubctl run-job", log)
	plan := planner.New(
		filepath.Join(cfg.StateDir, "state", "heating-characteristics.json"),
		sensors, cronScheduler, jobScheduler, ctrl, log,
	)

	server := httpapi.New(ctrl, jobScheduler, plan, log)

	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			log.Info("http server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down hottubd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Echo().Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildSensorStore(cfg *config.Config, log *zap.Logger) sensorstore.Store {
	file := sensorstore.NewFileStore(filepath.Join(cfg.StateDir, "state", "esp32-temperature.json"))
	if cfg.RedisAddr == "" {
		return file
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis sensor cache unavailable, falling back to file store only", zap.Error(err))
		return file
	}
	return sensorstore.NewRedisStore(file, client, "", 0, log)
}

func buildHealthMonitor(cfg *config.Config, log *zap.Logger) healthcheck.Monitor {
	if cfg.HealthCheckBaseURL == "" {
		return healthcheck.NoopMonitor{}
	}
	return healthcheck.NewHTTPMonitor(cfg.HealthCheckBaseURL, cfg.HealthCheckAPIKey, 5*time.Second, log)
}
