// Package planner implements the Deadline Planner (C10, "DTDT" —
// deadline-targeted dynamic timing): given a ready-by deadline and the
// current/ambient temperatures, produce a wake-up time and a
// refinement job that re-enters the controller. Grounded on
// WeatherSchedulerService's one-way "install a cron entry whose
// handler re-triggers the owning service" shape, adapted from alarms
// to a single deadline target.
package planner

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/characteristics"
	"github.com/science/hottub-controller/internal/controller"
	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/jobs"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// ColdFloorF and SafetyMargin are the maxHeatMinutes constants (spec §4.6).
const (
	ColdFloorF    = 58.0
	SafetyMargin  = 15 * time.Minute
)

// WakeUpStatus enumerates handleWakeUp's possible outcomes.
type WakeUpStatus string

const (
	StatusAlreadyAtTarget    WakeUpStatus = "already_at_target"
	StatusStaysWarm          WakeUpStatus = "stays_warm"
	StatusStartedImmediately WakeUpStatus = "started_immediately"
	StatusPrecisionScheduled WakeUpStatus = "precision_scheduled"
)

// WakeUpResult is handleWakeUp's return value.
type WakeUpResult struct {
	Status      WakeUpStatus `json:"status"`
	JobID       string       `json:"jobId,omitempty"`
	HeatMinutes float64      `json:"heat_minutes,omitempty"`
	StartTime   time.Time    `json:"start_time,omitempty"`
}

// Planner reads characteristics and installs/handles wake-up jobs.
type Planner struct {
	characteristicsPath string
	sensors             sensorstore.Store
	cron                *crontab.Scheduler
	jobScheduler         *jobs.Scheduler
	ctrl                *controller.Controller
	log                 *zap.Logger
}

// New builds a Planner.
func New(characteristicsPath string, sensors sensorstore.Store, cron *crontab.Scheduler, jobScheduler *jobs.Scheduler, ctrl *controller.Controller, log *zap.Logger) *Planner {
	return &Planner{
		characteristicsPath: characteristicsPath,
		sensors:             sensors,
		cron:                cron,
		jobScheduler:        jobScheduler,
		ctrl:                ctrl,
		log:                 logger.WithComponent(logger.NoopOrDefault(log), "planner"),
	}
}

// maxHeatMinutes computes the worst-case minutes needed to reach
// target from the cold floor (spec §4.6).
func maxHeatMinutes(target float64, chars *characteristics.Characteristics) (float64, error) {
	if chars == nil || chars.HeatingVelocityFPerMin == nil || *chars.HeatingVelocityFPerMin <= 0 {
		return 0, apperrors.CharacteristicsMissing("no fitted heating velocity is available")
	}
	lag := 0.0
	if chars.StartupLagMinutes != nil {
		lag = *chars.StartupLagMinutes
	}
	return (target-ColdFloorF)/(*chars.HeatingVelocityFPerMin) + lag + SafetyMargin.Minutes(), nil
}

// CreateReadyBySchedule installs one recurring wake-up job firing at
// readyByTime - maxHeatMinutes each day in system-local time
// (spec §4.6).
func (p *Planner) CreateReadyBySchedule(readyByTime time.Time, targetTempF float64) (*jobs.Record, error) {
	chars, err := p.readCharacteristics()
	if err != nil {
		return nil, err
	}

	heatMinutes, err := maxHeatMinutes(targetTempF, chars)
	if err != nil {
		return nil, err
	}

	fireAt := readyByTime.Add(-time.Duration(heatMinutes * float64(time.Minute)))

	params := map[string]interface{}{
		"ready_by_time":  readyByTime.Format(time.RFC3339),
		"target_temp_f":  targetTempF,
	}

	record, err := p.jobScheduler.ScheduleJob("wake-up", "/internal/wake-up", "", fireAt, true, params, "")
	if err != nil {
		return nil, err
	}
	metrics.RecordPlannerOutcome("ready_by_scheduled")
	return record, nil
}

// HandleWakeUp is called by the wake-up job (spec §4.6).
func (p *Planner) HandleWakeUp(ctx context.Context, readyByTime time.Time, targetTempF float64) (WakeUpResult, error) {
	reading, err := p.sensors.GetLatest()
	if err != nil {
		return WakeUpResult{}, err
	}

	if reading.WaterTempF >= targetTempF {
		metrics.RecordPlannerOutcome(string(StatusAlreadyAtTarget))
		return WakeUpResult{Status: StatusAlreadyAtTarget}, nil
	}

	chars, err := p.readCharacteristics()
	if err != nil || chars == nil || chars.HeatingVelocityFPerMin == nil {
		// Fallback: missing characteristics means start immediately,
		// the safest behavior for the user (spec §4.6).
		return p.startImmediately(ctx, targetTempF)
	}

	now := time.Now()
	deadline := nextOccurrence(readyByTime, now)
	deltaMinutes := deadline.Sub(now).Minutes()

	projected := reading.WaterTempF
	if chars.CoolingCoefficientK != nil && reading.AmbientTempF != nil {
		k := *chars.CoolingCoefficientK
		ambient := *reading.AmbientTempF
		projected = ambient + (reading.WaterTempF-ambient)*math.Exp(-k*deltaMinutes)
	}

	if projected >= targetTempF {
		metrics.RecordPlannerOutcome(string(StatusStaysWarm))
		return WakeUpResult{Status: StatusStaysWarm}, nil
	}

	lag := 0.0
	if chars.StartupLagMinutes != nil {
		lag = *chars.StartupLagMinutes
	}
	heatMinutes := (targetTempF-projected)/(*chars.HeatingVelocityFPerMin) + lag
	startTime := deadline.Add(-time.Duration(heatMinutes * float64(time.Minute)))

	if !startTime.After(now) {
		return p.startImmediately(ctx, targetTempF)
	}

	// Unlike the controller's own "hottubctl tick" self-reschedule
	// (controller.go's NextWakeUpTime path, safe only because state is
	// already Active by then), this job fires before Start has ever
	// been called — state is still inactive, so CheckAndAdjust would
	// be a silent no-op. Install "hottubctl start <target>" instead,
	// the one CLI path that actually begins heating.
	jobID := fmt.Sprintf("heat-target-precision-%08x", now.UnixNano()&0xffffffff)
	command := "hottubctl start " + strconv.FormatFloat(targetTempF, 'f', -1, 64)
	if _, err := p.cron.ScheduleAt(startTime, jobID, command, "HEAT-TARGET"); err != nil {
		return WakeUpResult{}, err
	}

	metrics.RecordPlannerOutcome(string(StatusPrecisionScheduled))
	return WakeUpResult{
		Status:      StatusPrecisionScheduled,
		JobID:       jobID,
		HeatMinutes: heatMinutes,
		StartTime:   startTime,
	}, nil
}

func (p *Planner) startImmediately(ctx context.Context, targetTempF float64) (WakeUpResult, error) {
	if _, err := p.ctrl.Start(ctx, targetTempF); err != nil {
		return WakeUpResult{}, err
	}
	metrics.RecordPlannerOutcome(string(StatusStartedImmediately))
	return WakeUpResult{Status: StatusStartedImmediately}, nil
}

// nextOccurrence parses a HH:MM-shaped ready-by time into the next
// absolute instant within 24h of now.
func nextOccurrence(readyByTime time.Time, now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), readyByTime.Hour(), readyByTime.Minute(), 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func (p *Planner) readCharacteristics() (*characteristics.Characteristics, error) {
	var chars characteristics.Characteristics
	if err := fsutil.ReadJSON(p.characteristicsPath, &chars); err != nil {
		return nil, nil
	}
	return &chars, nil
}
