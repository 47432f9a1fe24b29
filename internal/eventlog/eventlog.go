// Package eventlog appends equipment on/off events to a JSONL log
// (C4), the same append-only shape as the temperature log, and is read
// back by the characteristics estimator (C9) to delimit heating
// sessions.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/science/hottub-controller/internal/fsutil"
)

// Equipment names the device an event applies to.
type Equipment string

const (
	EquipmentHeater Equipment = "heater"
	EquipmentPump   Equipment = "pump"
)

// Action names the transition.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Event is one line of the equipment event log (spec §3).
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Equipment  Equipment `json:"equipment"`
	Action     Action    `json:"action"`
	WaterTempF *float64  `json:"water_temp_f"`
}

// Log appends to a single append-only file.
type Log struct {
	path string
}

// New builds a Log backed by path (normally logs/equipment-events.log).
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one event. Best-effort semantics are the caller's
// responsibility (spec §4.1: emission failures are logged, not fatal).
func (l *Log) Append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return fsutil.AppendLine(l.path, data)
}

// ReadAll reads every event in the log, in file order. A missing file
// is treated as an empty log, since the estimator may run before any
// equipment has ever toggled.
func (l *Log) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
