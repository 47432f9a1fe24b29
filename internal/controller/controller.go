// Package controller implements the Target-Temperature Controller
// (C8): the control loop that makes one tick decide, actuate, and
// schedule the next tick, persisting "am I active?" in heating-target
// state rather than in process memory, the way the teacher's
// WeatherSchedulerService keeps no alarm state beyond what its
// repository holds.
package controller

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/calibration"
	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/equipment"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/historystore"
	"github.com/science/hottub-controller/internal/notify"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/internal/webhook"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// stallThresholdF is the minimum water-temperature rise that counts as
// heating progress; less than this over stallWindow is reported as a
// stalled heating cycle (EXPANSION — the base spec has no stall alert).
const (
	stallThresholdF = 0.1
	stallWindow     = 15 * time.Minute
)

// TargetBoundLow and TargetBoundHigh are the controller's hard limit
// (spec §6); the looser [50,110] schedule-entry gate belongs to the
// jobs package, not here.
const (
	TargetBoundLow  = 80.0
	TargetBoundHigh = 110.0

	// safetyMarginSeconds is the minimum lead time the next wake-up
	// must leave before it fires, so the task table write can land
	// before the external runner evaluates it (spec §4.4).
	safetyMarginSeconds = 5
)

// State is the heating-target singleton (spec §3).
type State struct {
	Active      bool      `json:"active"`
	TargetTempF float64   `json:"target_temp_f,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	StartTempF  float64   `json:"start_temp_f,omitempty"`

	// LastProgressTempF/LastProgressAt track the most recent tick that
	// showed meaningful heating progress, for stalled-heating detection.
	LastProgressTempF float64   `json:"last_progress_temp_f,omitempty"`
	LastProgressAt    time.Time `json:"last_progress_at,omitempty"`
	StallNotified     bool      `json:"stall_notified,omitempty"`
}

// Decision is checkAndAdjust's return value.
type Decision struct {
	Active          bool    `json:"active"`
	TargetReached   bool    `json:"target_reached,omitempty"`
	HeaterTurnedOff bool    `json:"heater_turned_off,omitempty"`
	Heating         bool    `json:"heating,omitempty"`
	CronScheduled   bool    `json:"cron_scheduled,omitempty"`
	CurrentTempF    float64 `json:"current_temp_f,omitempty"`
}

// Controller wires the heating-target state to its collaborators.
type Controller struct {
	statePath   string
	sensors     sensorstore.Store
	equip       *equipment.Tracker
	hooks       *webhook.Client
	cron        *crontab.Scheduler
	calibration *calibration.Service
	history     *historystore.Store
	notifier    *notify.Notifier
	ownerTokens []string
	log         *zap.Logger
}

// New builds a Controller. calib, history, and notifier may all be nil
// — each is an optional collaborator the controller degrades
// gracefully without.
func New(statePath string, sensors sensorstore.Store, equip *equipment.Tracker, hooks *webhook.Client, cron *crontab.Scheduler, calib *calibration.Service, log *zap.Logger) *Controller {
	return &Controller{
		statePath:   statePath,
		sensors:     sensors,
		equip:       equip,
		hooks:       hooks,
		cron:        cron,
		calibration: calib,
		log:         logger.WithComponent(logger.NoopOrDefault(log), "controller"),
	}
}

// WithHistory attaches the derived session-history mirror. Returns c
// for chaining at construction time.
func (c *Controller) WithHistory(history *historystore.Store) *Controller {
	c.history = history
	return c
}

// WithNotifier attaches the owner push-notification channel and the
// device tokens to send to. Returns c for chaining at construction time.
func (c *Controller) WithNotifier(notifier *notify.Notifier, ownerTokens []string) *Controller {
	c.notifier = notifier
	c.ownerTokens = ownerTokens
	return c
}

// Start validates target, persists active state, and ticks once so
// start is idempotent with respect to reaching the target instantly
// (spec §4.4).
func (c *Controller) Start(ctx context.Context, target float64) (Decision, error) {
	if target < TargetBoundLow || target > TargetBoundHigh {
		return Decision{}, apperrors.Validation(fmt.Sprintf("target %.1f is outside the controller's [%.1f, %.1f] bound", target, TargetBoundLow, TargetBoundHigh))
	}

	startTemp, err := c.currentTemperatureF()
	if err != nil {
		return Decision{}, err
	}

	now := time.Now().UTC()
	state := State{
		Active:            true,
		TargetTempF:       target,
		StartedAt:         now,
		StartTempF:        startTemp,
		LastProgressTempF: startTemp,
		LastProgressAt:    now,
	}
	if err := c.writeState(state); err != nil {
		return Decision{}, apperrors.Internal(err)
	}

	return c.CheckAndAdjust(ctx)
}

// Stop clears state, triggers heat-off if the heater is currently on,
// and removes every heat-target task-table entry. Job record files are
// not touched; Stop deletes none of them.
// A webhook failure here is swallowed after cleanup proceeds (spec §7:
// "surfaced on start; swallowed on stop after state cleanup").
func (c *Controller) Stop(ctx context.Context) error {
	status, err := c.equip.GetStatus()
	if err != nil {
		return apperrors.Internal(err)
	}

	if err := c.writeState(State{Active: false}); err != nil {
		return apperrors.Internal(err)
	}

	if status.Heater.On {
		if _, err := c.hooks.Trigger(ctx, webhook.EventHeatOff); err != nil {
			c.log.Error("heat-off webhook failed during stop; state cleanup proceeds anyway", zap.Error(err))
		}
		if err := c.equip.SetHeaterOff(); err != nil {
			c.log.Error("failed to persist heater-off during stop", zap.Error(err))
		}
	}

	if err := c.cron.RemoveJobsWithPrefix("heat-target"); err != nil {
		c.log.Warn("failed to remove heat-target task-table entries during stop", zap.Error(err))
	}

	return nil
}

// CheckAndAdjust is the tick: read state, read temperature, decide,
// actuate, and schedule the next wake-up (spec §4.4).
func (c *Controller) CheckAndAdjust(ctx context.Context) (Decision, error) {
	start := time.Now()
	outcome := "noop"
	defer func() { metrics.RecordTick(outcome, time.Since(start)) }()

	state, err := c.readState()
	if err != nil {
		return Decision{}, apperrors.Internal(err)
	}
	if !state.Active {
		return Decision{Active: false}, nil
	}

	current, err := c.currentTemperatureF()
	if err != nil {
		return Decision{}, err
	}

	status, err := c.equip.GetStatus()
	if err != nil {
		return Decision{}, apperrors.Internal(err)
	}

	if current >= state.TargetTempF {
		outcome = "target_reached"
		wasOn := status.Heater.On
		if wasOn {
			if _, err := c.hooks.Trigger(ctx, webhook.EventHeatOff); err != nil {
				return Decision{}, err
			}
			if err := c.equip.SetHeaterOff(); err != nil {
				return Decision{}, apperrors.Internal(err)
			}
		}

		if err := c.writeState(State{Active: false}); err != nil {
			return Decision{}, apperrors.Internal(err)
		}
		if err := c.cron.RemoveJobsWithPrefix("heat-target"); err != nil {
			c.log.Warn("failed to remove heat-target entries on target reached", zap.Error(err))
		}
		// Second removal pass closes the race where a wake-up
		// installed a new entry between decide and this cleanup
		// (spec §4.4, §9).
		if err := c.cron.RemoveJobsWithPrefix("heat-target"); err != nil {
			c.log.Warn("second heat-target cleanup pass failed", zap.Error(err))
		}

		c.recordCompletedSession(ctx, state, current)

		return Decision{Active: false, TargetReached: true, HeaterTurnedOff: wasOn, CurrentTempF: current}, nil
	}

	outcome = "continue_heating"
	if !status.Heater.On {
		if _, err := c.hooks.Trigger(ctx, webhook.EventHeatOn); err != nil {
			return Decision{}, err
		}
		if err := c.equip.SetHeaterOn(); err != nil {
			return Decision{}, apperrors.Internal(err)
		}
	}

	nextWakeUp := NextWakeUpTime(time.Now())
	jobID := fmt.Sprintf("heat-target-%08x", rand.Uint32())
	if _, err := c.cron.ScheduleAt(nextWakeUp, jobID, "hottubctl tick", "HEAT-TARGET"); err != nil {
		return Decision{}, err
	}

	c.trackProgressAndStall(ctx, &state, current)
	if err := c.writeState(state); err != nil {
		c.log.Warn("failed to persist progress-tracking state", zap.Error(err))
	}

	return Decision{Active: true, Heating: true, CronScheduled: true, CurrentTempF: current}, nil
}

// recordCompletedSession mirrors a finished heating session to the
// derived history store and notifies the owner, both best-effort: the
// control loop's outcome never depends on either succeeding.
func (c *Controller) recordCompletedSession(ctx context.Context, state State, endTemp float64) {
	if c.history != nil {
		duration := time.Since(state.StartedAt)
		velocity := 0.0
		if duration > 0 {
			velocity = (endTemp - state.StartTempF) / duration.Minutes()
		}
		rec := historystore.SessionRecord{
			StartedAt:              state.StartedAt,
			EndedAt:                time.Now().UTC(),
			StartTempF:             state.StartTempF,
			EndTempF:               endTemp,
			HeatingVelocityFPerMin: velocity,
		}
		if err := c.history.RecordSession(ctx, rec); err != nil {
			c.log.Warn("failed to record completed session to history store", zap.Error(err))
		}
	}

	if c.notifier != nil {
		body := fmt.Sprintf("Target temperature of %.1f°F reached.", state.TargetTempF)
		if err := c.notifier.Send(ctx, notify.EventTargetReached, "Hot tub ready", body, c.ownerTokens); err != nil {
			c.log.Warn("failed to send target-reached notification", zap.Error(err))
		}
	}
}

// trackProgressAndStall updates state's progress bookkeeping and sends
// a one-time stalled-heating alert if the water temperature hasn't
// risen by stallThresholdF within stallWindow of the heater being on
// (EXPANSION — the base spec has no stall detection).
func (c *Controller) trackProgressAndStall(ctx context.Context, state *State, current float64) {
	if current >= state.LastProgressTempF+stallThresholdF {
		state.LastProgressTempF = current
		state.LastProgressAt = time.Now().UTC()
		state.StallNotified = false
		return
	}

	if state.LastProgressAt.IsZero() || state.StallNotified || c.notifier == nil {
		return
	}
	if time.Since(state.LastProgressAt) < stallWindow {
		return
	}

	body := fmt.Sprintf("Water temperature has not risen in over %d minutes while heating toward %.1f°F.", int(stallWindow.Minutes()), state.TargetTempF)
	if err := c.notifier.Send(ctx, notify.EventStalledHeating, "Hot tub heating stalled", body, c.ownerTokens); err != nil {
		c.log.Warn("failed to send stalled-heating notification", zap.Error(err))
		return
	}
	state.StallNotified = true
}

// NextWakeUpTime computes the next minute boundary after now with at
// least a 5s safety margin (spec §4.4's "critical detail floor").
// Guarantees: result % 60 == 0, result > now, result - now >= 5s.
func NextWakeUpTime(now time.Time) time.Time {
	nowUnix := now.Unix()
	nextMinute := ((nowUnix / 60) + 1) * 60
	if nextMinute-nowUnix < safetyMarginSeconds {
		nextMinute += 60
	}
	return time.Unix(nextMinute, 0).UTC()
}

// currentTemperatureF reads the latest sensor reading, applying
// calibration if a calibration service is wired in (spec §4.4).
func (c *Controller) currentTemperatureF() (float64, error) {
	reading, err := c.sensors.GetLatest()
	if err != nil {
		return 0, err
	}

	if c.calibration == nil || len(reading.Sensors) == 0 {
		return reading.WaterTempF, nil
	}

	primary := reading.Sensors[0]
	return c.calibration.Calibrate(primary.Address, primary.TempC), nil
}

func (c *Controller) readState() (State, error) {
	var state State
	if err := fsutil.ReadJSON(c.statePath, &state); err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, err
	}
	return state, nil
}

func (c *Controller) writeState(state State) error {
	return fsutil.WriteJSONAtomic(c.statePath, state)
}
