package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/equipment"
	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/historystore"
	"github.com/science/hottub-controller/internal/notify"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/internal/webhook"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/metrics"
)

func init() {
	metrics.Init()
}

// fakeSensors is an in-memory sensorstore.Store whose reading the test
// can set directly, sidestepping the file-singleton round trip.
type fakeSensors struct {
	reading sensorstore.Reading
}

func (f *fakeSensors) GetLatest() (*sensorstore.Reading, error) { return &f.reading, nil }
func (f *fakeSensors) PutLatest(r *sensorstore.Reading) error   { f.reading = *r; return nil }
func (f *fakeSensors) PollIntervalSeconds(bool) int             { return 60 }

type fakeCronTable struct{ lines []string }

func (f *fakeCronTable) ListEntries() ([]string, error) {
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out, nil
}
func (f *fakeCronTable) AddEntry(line string) error { f.lines = append(f.lines, line); return nil }
func (f *fakeCronTable) RemoveByPattern(substr string) error {
	var kept []string
	for _, line := range f.lines {
		if !strings.Contains(line, substr) {
			kept = append(kept, line)
		}
	}
	f.lines = kept
	return nil
}

type testRig struct {
	ctrl    *Controller
	sensors *fakeSensors
	equip   *equipment.Tracker
	table   *fakeCronTable
}

func newTestRig(t *testing.T, hookServer *httptest.Server) *testRig {
	t.Helper()
	dir := t.TempDir()
	sensors := &fakeSensors{reading: sensorstore.Reading{WaterTempF: 80.0}}
	events := eventlog.New(filepath.Join(dir, "equipment-events.log"))
	equip := equipment.New(filepath.Join(dir, "equipment-status.json"), sensors, events, zap.NewNop())

	baseURL := "http://127.0.0.1:0"
	if hookServer != nil {
		baseURL = hookServer.URL
	}
	hooks := webhook.New(baseURL, time.Second, zap.NewNop())

	table := &fakeCronTable{}
	cron := crontab.NewScheduler(table, zap.NewNop())

	ctrl := New(filepath.Join(dir, "heating-target.json"), sensors, equip, hooks, cron, nil, zap.NewNop())
	return &testRig{ctrl: ctrl, sensors: sensors, equip: equip, table: table}
}

func TestStart_RejectsOutOfBoundsTarget(t *testing.T) {
	rig := newTestRig(t, nil)
	_, err := rig.ctrl.Start(context.Background(), 120)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidation, appErr.Code)
}

func TestStart_BelowTarget_TurnsHeaterOnAndSchedulesWakeUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()
	rig := newTestRig(t, server)

	decision, err := rig.ctrl.Start(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, decision.Active)
	assert.True(t, decision.Heating)
	assert.True(t, decision.CronScheduled)

	status, err := rig.equip.GetStatus()
	require.NoError(t, err)
	assert.True(t, status.Heater.On)
	require.Len(t, rig.table.lines, 1)
	assert.Contains(t, rig.table.lines[0], "HEAT-TARGET")
}

func TestStart_AlreadyAtTarget_ReportsTargetReachedAndLeavesHeaterOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()
	rig := newTestRig(t, server)
	rig.sensors.reading.WaterTempF = 101.0

	decision, err := rig.ctrl.Start(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, decision.TargetReached)
	assert.False(t, decision.Active)

	status, err := rig.equip.GetStatus()
	require.NoError(t, err)
	assert.False(t, status.Heater.On)
}

func TestCheckAndAdjust_InactiveState_ReturnsInactiveWithoutError(t *testing.T) {
	rig := newTestRig(t, nil)
	decision, err := rig.ctrl.CheckAndAdjust(context.Background())
	require.NoError(t, err)
	assert.False(t, decision.Active)
}

func TestCheckAndAdjust_TargetReached_TurnsHeaterOffAndClearsState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()
	rig := newTestRig(t, server)

	_, err := rig.ctrl.Start(context.Background(), 100)
	require.NoError(t, err)
	rig.sensors.reading.WaterTempF = 101.0

	decision, err := rig.ctrl.CheckAndAdjust(context.Background())
	require.NoError(t, err)
	assert.True(t, decision.TargetReached)
	assert.True(t, decision.HeaterTurnedOff)

	status, err := rig.equip.GetStatus()
	require.NoError(t, err)
	assert.False(t, status.Heater.On)
	assert.Empty(t, rig.table.lines)
}

func TestStop_TurnsHeaterOffAndRemovesHeatTargetEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()
	rig := newTestRig(t, server)

	_, err := rig.ctrl.Start(context.Background(), 100)
	require.NoError(t, err)

	require.NoError(t, rig.ctrl.Stop(context.Background()))

	status, err := rig.equip.GetStatus()
	require.NoError(t, err)
	assert.False(t, status.Heater.On)
	assert.Empty(t, rig.table.lines)
}

func TestNextWakeUpTime_AlwaysLandsOnMinuteBoundaryWithSafetyMargin(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 58, 0, time.UTC)
	next := NextWakeUpTime(now)
	assert.Zero(t, next.Unix()%60)
	assert.True(t, next.After(now))
	assert.GreaterOrEqual(t, next.Unix()-now.Unix(), int64(safetyMarginSeconds))
}

func TestCheckAndAdjust_RecordsCompletedSessionToHistoryAndNotifiesOwner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()
	rig := newTestRig(t, server)

	history, err := historystore.Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	defer history.Close()

	sender := &fakeNotifyClient{}
	notifier := notify.NewWithClient(sender, zap.NewNop())
	rig.ctrl.WithHistory(history).WithNotifier(notifier, []string{"owner-token"})

	_, err = rig.ctrl.Start(context.Background(), 100)
	require.NoError(t, err)
	rig.sensors.reading.WaterTempF = 101.0

	_, err = rig.ctrl.CheckAndAdjust(context.Background())
	require.NoError(t, err)

	sessions, err := history.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sender.calls)
}

type fakeNotifyClient struct{ calls int }

func (f *fakeNotifyClient) SendEachForMulticast(_ context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls++
	return &messaging.BatchResponse{SuccessCount: len(message.Tokens)}, nil
}
