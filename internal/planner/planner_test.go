package planner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/characteristics"
	"github.com/science/hottub-controller/internal/controller"
	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/equipment"
	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/healthcheck"
	"github.com/science/hottub-controller/internal/jobs"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/internal/webhook"
	"github.com/science/hottub-controller/pkg/metrics"
)

func init() {
	metrics.Init()
}

type fakeSensors struct {
	reading sensorstore.Reading
}

func (f *fakeSensors) GetLatest() (*sensorstore.Reading, error) { return &f.reading, nil }
func (f *fakeSensors) PutLatest(r *sensorstore.Reading) error   { f.reading = *r; return nil }
func (f *fakeSensors) PollIntervalSeconds(bool) int             { return 60 }

type fakeTable struct{ lines []string }

func (f *fakeTable) ListEntries() ([]string, error) {
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out, nil
}
func (f *fakeTable) AddEntry(line string) error { f.lines = append(f.lines, line); return nil }
func (f *fakeTable) RemoveByPattern(substr string) error {
	var kept []string
	for _, line := range f.lines {
		if !strings.Contains(line, substr) {
			kept = append(kept, line)
		}
	}
	f.lines = kept
	return nil
}

func float64Ptr(v float64) *float64 { return &v }

type testRig struct {
	planner   *Planner
	sensors   *fakeSensors
	table     *fakeTable
	ctrl      *controller.Controller
	charsPath string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	sensors := &fakeSensors{reading: sensorstore.Reading{WaterTempF: 80.0}}
	events := eventlog.New(filepath.Join(dir, "equipment-events.log"))
	equip := equipment.New(filepath.Join(dir, "equipment-status.json"), sensors, events, zap.NewNop())

	hookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	t.Cleanup(hookServer.Close)
	hooks := webhook.New(hookServer.URL, time.Second, zap.NewNop())

	table := &fakeTable{}
	cron := crontab.NewScheduler(table, zap.NewNop())

	ctrl := controller.New(filepath.Join(dir, "heating-target.json"), sensors, equip, hooks, cron, nil, zap.NewNop())
	jobScheduler := jobs.New(filepath.Join(dir, "scheduled-jobs"), cron, healthcheck.NoopMonitor{}, "hottubctl run-job", zap.NewNop())

	charsPath := filepath.Join(dir, "heating-characteristics.json")
	p := New(charsPath, sensors, cron, jobScheduler, ctrl, zap.NewNop())
	return &testRig{planner: p, sensors: sensors, table: table, ctrl: ctrl, charsPath: charsPath}
}

func (r *testRig) writeCharacteristics(t *testing.T, chars characteristics.Characteristics) {
	t.Helper()
	require.NoError(t, fsutil.WriteJSONAtomic(r.charsPath, chars))
}

func TestHandleWakeUp_AlreadyAtTarget(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 102.0

	result, err := rig.planner.HandleWakeUp(context.Background(), time.Date(0, 1, 1, 7, 0, 0, 0, time.UTC), 100.0)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyAtTarget, result.Status)
}

func TestHandleWakeUp_NoCharacteristics_StartsImmediately(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 75.0

	result, err := rig.planner.HandleWakeUp(context.Background(), time.Date(0, 1, 1, 7, 0, 0, 0, time.UTC), 100.0)
	require.NoError(t, err)
	assert.Equal(t, StatusStartedImmediately, result.Status)
	require.Len(t, rig.table.lines, 1)
	assert.Contains(t, rig.table.lines[0], "HEAT-TARGET")
}

func TestHandleWakeUp_StaysWarm_WhenProjectedAboveTarget(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 99.5
	ambient := 75.0
	rig.sensors.reading.AmbientTempF = &ambient
	rig.writeCharacteristics(t, characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(0.5),
		CoolingCoefficientK:    float64Ptr(0.0001),
	})

	readyBy := time.Now().Add(30 * time.Minute)
	result, err := rig.planner.HandleWakeUp(context.Background(), readyBy, 98.0)
	require.NoError(t, err)
	assert.Equal(t, StatusStaysWarm, result.Status)
	assert.Empty(t, rig.table.lines)
}

func TestHandleWakeUp_PrecisionScheduled_WhenStartTimeIsInTheFuture(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 70.0
	ambient := 60.0
	rig.sensors.reading.AmbientTempF = &ambient
	rig.writeCharacteristics(t, characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(1.0),
		StartupLagMinutes:      float64Ptr(2.0),
		CoolingCoefficientK:    float64Ptr(0.05),
	})

	readyBy := time.Now().Add(10 * time.Hour)
	result, err := rig.planner.HandleWakeUp(context.Background(), readyBy, 100.0)
	require.NoError(t, err)
	assert.Equal(t, StatusPrecisionScheduled, result.Status)
	require.Len(t, rig.table.lines, 1)
	assert.Contains(t, rig.table.lines[0], "heat-target-precision-")
}

// TestHandleWakeUp_PrecisionScheduled_InstalledCommandActuallyStartsHeating
// dispatches the exact command the precision job installs (the way
// cron, and in turn cmd/hottubctl's "start" subcommand, would invoke
// it) and asserts it actually begins heating, rather than only
// checking the installed line's status/substring.
func TestHandleWakeUp_PrecisionScheduled_InstalledCommandActuallyStartsHeating(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 70.0
	ambient := 60.0
	rig.sensors.reading.AmbientTempF = &ambient
	rig.writeCharacteristics(t, characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(1.0),
		StartupLagMinutes:      float64Ptr(2.0),
		CoolingCoefficientK:    float64Ptr(0.05),
	})

	readyBy := time.Now().Add(10 * time.Hour)
	_, err := rig.planner.HandleWakeUp(context.Background(), readyBy, 100.0)
	require.NoError(t, err)
	require.Len(t, rig.table.lines, 1)

	const marker = "hottubctl start "
	idx := strings.Index(rig.table.lines[0], marker)
	require.Greater(t, idx, -1, "installed entry must invoke hottubctl start, not a bare tick self-reschedule")
	fields := strings.Fields(rig.table.lines[0][idx+len(marker):])
	require.NotEmpty(t, fields)
	target, err := strconv.ParseFloat(fields[0], 64)
	require.NoError(t, err)

	decision, err := rig.ctrl.Start(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, decision.Active)
}

func TestHandleWakeUp_StartsImmediately_WhenComputedStartTimeHasAlreadyPassed(t *testing.T) {
	rig := newTestRig(t)
	rig.sensors.reading.WaterTempF = 70.0
	ambient := 60.0
	rig.sensors.reading.AmbientTempF = &ambient
	rig.writeCharacteristics(t, characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(1.0),
		CoolingCoefficientK:    float64Ptr(0.05),
	})

	readyBy := time.Now().Add(time.Minute)
	result, err := rig.planner.HandleWakeUp(context.Background(), readyBy, 100.0)
	require.NoError(t, err)
	assert.Equal(t, StatusStartedImmediately, result.Status)
}

func TestCreateReadyBySchedule_MissingCharacteristics_ReturnsCharacteristicsMissingError(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.planner.CreateReadyBySchedule(time.Now().Add(8*time.Hour), 100.0)
	assert.Error(t, err)
}

func TestCreateReadyBySchedule_InstallsRecurringJobBeforeReadyByTime(t *testing.T) {
	rig := newTestRig(t)
	rig.writeCharacteristics(t, characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(0.5),
		StartupLagMinutes:      float64Ptr(5.0),
	})

	readyBy := time.Date(2026, 3, 5, 7, 0, 0, 0, time.Local)
	record, err := rig.planner.CreateReadyBySchedule(readyBy, 100.0)
	require.NoError(t, err)
	assert.True(t, record.Recurring)
	assert.True(t, record.ScheduledTime.Before(readyBy))
}

func TestMaxHeatMinutes_ComputesWorstCaseFromColdFloor(t *testing.T) {
	chars := &characteristics.Characteristics{
		HeatingVelocityFPerMin: float64Ptr(0.5),
		StartupLagMinutes:      float64Ptr(5.0),
	}
	minutes, err := maxHeatMinutes(100.0, chars)
	require.NoError(t, err)
	want := (100.0-ColdFloorF)/0.5 + 5.0 + SafetyMargin.Minutes()
	assert.InDelta(t, want, minutes, 0.001)
}

func TestNextOccurrence_RollsForwardWhenTimeAlreadyPassedToday(t *testing.T) {
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	readyBy := time.Date(0, 1, 1, 7, 0, 0, 0, time.UTC)
	next := nextOccurrence(readyBy, now)
	assert.Equal(t, 6, next.Day())
	assert.Equal(t, 7, next.Hour())
}
