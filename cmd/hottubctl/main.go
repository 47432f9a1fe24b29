// Command hottubctl is the one-shot CLI the external periodic-task
// runner invokes: each subcommand builds the same collaborator graph
// as hottubd, performs one operation, and exits, the way the spec's
// concurrency model describes each cron invocation as its own
// short-lived process (spec §5).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/calibration"
	"github.com/science/hottub-controller/internal/characteristics"
	"github.com/science/hottub-controller/internal/config"
	"github.com/science/hottub-controller/internal/controller"
	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/equipment"
	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/healthcheck"
	"github.com/science/hottub-controller/internal/historystore"
	"github.com/science/hottub-controller/internal/jobs"
	"github.com/science/hottub-controller/internal/notify"
	"github.com/science/hottub-controller/internal/planner"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/internal/webhook"
	appLogger "github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

type deps struct {
	cfg     *config.Config
	log     *zap.Logger
	sensors sensorstore.Store
	equip   *equipment.Tracker
	hooks   *webhook.Client
	cron    *crontab.Scheduler
	ctrl    *controller.Controller
	jobs    *jobs.Scheduler
	planner *planner.Planner
	events  *eventlog.Log
	history *historystore.Store
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: hottubctl <tick|wake-up|start|schedule|cancel|list-jobs|estimate|run-job> [args]")
		os.Exit(2)
	}

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
	metrics.Init()

	d := build(cfg, log)

	ctx := context.Background()
	var cmdErr error
	switch os.Args[1] {
	case "tick":
		cmdErr = runTick(ctx, d)
	case "wake-up":
		cmdErr = runWakeUp(ctx, d, os.Args[2:])
	case "start":
		cmdErr = runStart(ctx, d, os.Args[2:])
	case "schedule":
		cmdErr = runSchedule(d, os.Args[2:])
	case "cancel":
		cmdErr = runCancel(d, os.Args[2:])
	case "list-jobs":
		cmdErr = runListJobs(d)
	case "estimate":
		cmdErr = runEstimate(d)
	case "run-job":
		cmdErr = runJob(ctx, d, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", cmdErr)
		os.Exit(1)
	}
}

func build(cfg *config.Config, log *zap.Logger) *deps {
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

	var history *historystore.Store
	if cfg.HistoryDBPath != "" {
		var err error
		history, err = historystore.Open(cfg.HistoryDBPath)
		if err != nil {
			log.Warn("failed to open history store, proceeding without it", zap.Error(err))
			history = nil
		} else {
			ctrl.WithHistory(history)
		}
	}

	if cfg.FCMCredentialsPath != "" {
		if notifier, err := notify.New(context.Background(), cfg.FCMCredentialsPath, log); err != nil {
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

	return &deps{
		cfg: cfg, log: log, sensors: sensors, equip: equip, hooks: hooks,
		cron: cronScheduler, ctrl: ctrl, jobs: jobScheduler, planner: plan, events: events,
		history: history,
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

func runTick(ctx context.Context, d *deps) error {
	decision, err := d.ctrl.CheckAndAdjust(ctx)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

func runWakeUp(ctx context.Context, d *deps, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hottubctl wake-up <ready_by_time> <target_temp_f>")
	}
	readyBy, err := time.Parse("15:04", args[0])
	if err != nil {
		return fmt.Errorf("ready_by_time must be HH:MM: %w", err)
	}
	target, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("target_temp_f must be a number: %w", err)
	}
	result, err := d.planner.HandleWakeUp(ctx, readyBy, target)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// runStart is the command the planner's precision-scheduled
// heat-target-precision-* cron entries install (internal/planner's
// HandleWakeUp): it fires Controller.Start directly, since those jobs
// run before the controller has ever been made active and so cannot
// go through the "tick"/CheckAndAdjust self-reschedule path.
func runStart(ctx context.Context, d *deps, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hottubctl start <target_temp_f>")
	}
	target, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("target_temp_f must be a number: %w", err)
	}
	decision, err := d.ctrl.Start(ctx, target)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

func runSchedule(d *deps, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hottubctl schedule <action> <RFC3339-time> [recurring]")
	}
	when, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}
	recurring := len(args) > 2 && args[2] == "recurring"

	record, err := d.jobs.ScheduleJob(args[0], "", "", when, recurring, nil, "")
	if err != nil {
		return err
	}
	return printJSON(record)
}

func runCancel(d *deps, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hottubctl cancel <jobId>")
	}
	return d.jobs.CancelJob(args[0])
}

func runListJobs(d *deps) error {
	records, err := d.jobs.ListJobs()
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runEstimate(d *deps) error {
	glob := filepath.Join(d.cfg.StateDir, "logs", "temperature-*.log")
	chars, err := characteristics.Estimate(glob, d.events)
	if err != nil {
		return err
	}

	path := filepath.Join(d.cfg.StateDir, "state", "heating-characteristics.json")
	data, err := json.MarshalIndent(chars, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return err
	}

	metrics.SetCharacteristicsFit(derefOr(chars.CoolingRSquared, 0), chars.SessionsAnalyzed, chars.CoolingDataPoints)

	if d.history != nil {
		defer d.history.Close()
		snap := historystore.CharacteristicsSnapshot{
			GeneratedAt:            chars.GeneratedAt,
			HeatingVelocityFPerMin: chars.HeatingVelocityFPerMin,
			StartupLagMinutes:      chars.StartupLagMinutes,
			OvershootDegreesF:      chars.OvershootDegreesF,
			CoolingCoefficientK:    chars.CoolingCoefficientK,
			CoolingRSquared:        chars.CoolingRSquared,
			SessionsAnalyzed:       chars.SessionsAnalyzed,
		}
		if err := d.history.RecordCharacteristicsSnapshot(context.Background(), snap); err != nil {
			d.log.Warn("failed to record characteristics snapshot to history store", zap.Error(err))
		}
	}

	return printJSON(chars)
}

// runJob is invoked by task-table entries installed by internal/jobs:
// it dispatches to the action named in the matching job record.
func runJob(ctx context.Context, d *deps, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hottubctl run-job <jobId>")
	}
	jobID := args[0]

	records, err := d.jobs.ListJobs()
	if err != nil {
		return err
	}
	var record *jobs.Record
	for _, r := range records {
		if r.JobID == jobID {
			record = r
			break
		}
	}
	if record == nil {
		return fmt.Errorf("no job record for %q", jobID)
	}

	switch record.Action {
	case "heater-on":
		return d.equip.SetHeaterOn()
	case "heater-off":
		return d.equip.SetHeaterOff()
	case "pump-on":
		return d.equip.SetPumpOn()
	case "pump-off":
		return d.equip.SetPumpOff()
	case "wake-up":
		readyByStr, _ := record.Params["ready_by_time"].(string)
		targetRaw, _ := record.Params["target_temp_f"].(float64)
		readyBy, err := time.Parse(time.RFC3339, readyByStr)
		if err != nil {
			return err
		}
		result, err := d.planner.HandleWakeUp(ctx, readyBy, targetRaw)
		if err != nil {
			return err
		}
		return printJSON(result)
	default:
		return fmt.Errorf("run-job does not support action %q", record.Action)
	}
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
