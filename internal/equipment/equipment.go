// Package equipment owns the durable heater/pump on-off state (C5):
// the pump auto-off rule, and best-effort event emission to C4.
package equipment

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/sensorstore"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// pumpAutoOff is the duration after which an on pump is reported off
// (spec §3).
const pumpAutoOff = 2 * time.Hour

// Device is one piece of equipment's persisted state.
type Device struct {
	On            bool       `json:"on"`
	LastChangedAt *time.Time `json:"lastChangedAt"`
}

// Status is the full equipment-status singleton.
type Status struct {
	Heater Device `json:"heater"`
	Pump   Device `json:"pump"`
}

// Tracker reads/writes the equipment-status singleton and emits
// equipment events.
type Tracker struct {
	path    string
	sensors sensorstore.Store
	events  *eventlog.Log
	log     *zap.Logger
}

// New builds a Tracker backed by path (normally
// state/equipment-status.json), reading the current water temperature
// from sensors and logging transitions to events.
func New(path string, sensors sensorstore.Store, events *eventlog.Log, log *zap.Logger) *Tracker {
	return &Tracker{
		path:    path,
		sensors: sensors,
		events:  events,
		log:     logger.WithComponent(logger.NoopOrDefault(log), "equipment"),
	}
}

// GetStatus reads the persisted state (defaulting to all-off if
// absent), applies the pump auto-off rule, persists the transition if
// one occurred, and returns the possibly-updated value.
func (t *Tracker) GetStatus() (Status, error) {
	status, err := t.read()
	if err != nil {
		return Status{}, err
	}

	if status.Pump.On && status.Pump.LastChangedAt != nil {
		elapsed := time.Since(*status.Pump.LastChangedAt)
		if elapsed > pumpAutoOff {
			autoOffAt := status.Pump.LastChangedAt.Add(pumpAutoOff)
			status.Pump = Device{On: false, LastChangedAt: &autoOffAt}
			if err := t.write(status); err != nil {
				return Status{}, err
			}
			t.log.Info("pump auto-off applied", zap.Time("changed_at", autoOffAt))
		}
	}

	return status, nil
}

// SetHeaterOn turns the heater on, records the timestamp, and emits a
// best-effort event.
func (t *Tracker) SetHeaterOn() error { return t.setDevice(eventlog.EquipmentHeater, true) }

// SetHeaterOff turns the heater off.
func (t *Tracker) SetHeaterOff() error { return t.setDevice(eventlog.EquipmentHeater, false) }

// SetPumpOn turns the pump on.
func (t *Tracker) SetPumpOn() error { return t.setDevice(eventlog.EquipmentPump, true) }

// SetPumpOff turns the pump off.
func (t *Tracker) SetPumpOff() error { return t.setDevice(eventlog.EquipmentPump, false) }

func (t *Tracker) setDevice(name eventlog.Equipment, on bool) error {
	status, err := t.read()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	device := Device{On: on, LastChangedAt: &now}

	switch name {
	case eventlog.EquipmentHeater:
		status.Heater = device
	case eventlog.EquipmentPump:
		status.Pump = device
	}

	if err := t.write(status); err != nil {
		return err
	}

	action := eventlog.ActionOff
	if on {
		action = eventlog.ActionOn
		metrics.RecordHeaterActuation(string(name) + "_on")
	} else {
		metrics.RecordHeaterActuation(string(name) + "_off")
	}
	t.emitEvent(name, action)
	return nil
}

// emitEvent appends to C4 on a best-effort basis: a failure here is
// logged at warn level but never fails the caller's state change
// (spec §4.1).
func (t *Tracker) emitEvent(name eventlog.Equipment, action eventlog.Action) {
	var waterTempF *float64
	if t.sensors != nil {
		if reading, err := t.sensors.GetLatest(); err == nil && reading != nil {
			wf := reading.WaterTempF
			waterTempF = &wf
		}
	}

	if t.events == nil {
		return
	}
	event := eventlog.Event{
		Timestamp:  time.Now().UTC(),
		Equipment:  name,
		Action:     action,
		WaterTempF: waterTempF,
	}
	if err := t.events.Append(event); err != nil {
		t.log.Warn("failed to append equipment event", zap.Error(err), zap.String("equipment", string(name)), zap.String("action", string(action)))
	}
}

func (t *Tracker) read() (Status, error) {
	var status Status
	if err := fsutil.ReadJSON(t.path, &status); err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	return status, nil
}

func (t *Tracker) write(status Status) error {
	return fsutil.WriteJSONAtomic(t.path, status)
}
