// Package characteristics implements the Characteristics Estimator
// (C9): scans the temperature and equipment-event logs and fits
// heating velocity, startup lag, overshoot, and a Newton's-law-of-
// cooling coefficient, the way C9 is described in spec §4.5. There is
// no teacher analogue for curve fitting in the retrieval pack, so the
// regression and outlier-pruning here are hand-rolled against the
// spec's exact algorithm rather than grounded on an existing file.
package characteristics

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/science/hottub-controller/internal/eventlog"
	"github.com/science/hottub-controller/internal/sensorstore"
)

// TemperatureRow is one line of a temperature log (spec §3), the same
// shape sensorstore.TemperatureLog writes.
type TemperatureRow = sensorstore.TemperatureRow

// Characteristics is the regenerated singleton (spec §3). Pointer
// fields are nullable when insufficient data was available.
type Characteristics struct {
	HeatingVelocityFPerMin *float64  `json:"heating_velocity_f_per_min"`
	StartupLagMinutes      *float64  `json:"startup_lag_minutes"`
	OvershootDegreesF      *float64  `json:"overshoot_degrees_f"`
	CoolingCoefficientK    *float64  `json:"cooling_coefficient_k"`
	CoolingRSquared        *float64  `json:"cooling_r_squared"`
	CoolingDataPoints      int       `json:"cooling_data_points"`
	SessionsAnalyzed       int       `json:"sessions_analyzed"`
	GeneratedAt            time.Time `json:"generated_at"`
}

const (
	minSessionDuration = 5 * time.Minute
	maxSessionDuration = 6 * time.Hour
	steadyStateTailCut = 2 * time.Minute
	overshootWindow    = 10 * time.Minute
	startupLagDeltaF   = 0.5
	coolingSettlePeriod = 15 * time.Minute
	coolingMaxDeltaT    = 10 * time.Minute
	coolingMinDeltaTemp = 1.0
	minCoolingSamplesForFit = 4
)

type session struct {
	onAt  time.Time
	offAt time.Time
	rows  []TemperatureRow
}

// Estimate reads every temperature log matching glob and the equipment
// event log, and returns the fitted Characteristics. Determinism:
// identical inputs always yield bit-identical output (spec §4.5).
func Estimate(temperatureLogGlob string, events *eventlog.Log) (*Characteristics, error) {
	rows, err := readTemperatureRows(temperatureLogGlob)
	if err != nil {
		return nil, err
	}
	allEvents, err := events.ReadAll()
	if err != nil {
		return nil, err
	}

	sessions := extractSessions(allEvents, rows)
	sessions = filterGarbageSessions(sessions)

	heating := aggregateHeatingMetrics(sessions)
	cooling := fitCoolingCoefficient(rows, allEvents)

	return &Characteristics{
		HeatingVelocityFPerMin: heating.velocity,
		StartupLagMinutes:      heating.startupLag,
		OvershootDegreesF:      heating.overshoot,
		CoolingCoefficientK:    cooling.k,
		CoolingRSquared:        cooling.rSquared,
		CoolingDataPoints:      cooling.dataPoints,
		SessionsAnalyzed:       len(sessions),
		GeneratedAt:            time.Now().UTC(),
	}, nil
}

func readTemperatureRows(glob string) ([]TemperatureRow, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var rows []TemperatureRow
	for _, path := range paths {
		fileRows, err := readTemperatureFile(path)
		if err != nil {
			continue
		}
		rows = append(rows, fileRows...)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return rows, nil
}

func readTemperatureFile(path string) ([]TemperatureRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []TemperatureRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row TemperatureRow
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

// extractSessions walks the event log forming sessions between each
// heater-on and the next heater-off for the same equipment (spec §4.5
// step 1).
func extractSessions(events []eventlog.Event, rows []TemperatureRow) []session {
	var sessions []session
	var openAt *time.Time

	for _, e := range events {
		if e.Equipment != eventlog.EquipmentHeater {
			continue
		}
		switch e.Action {
		case eventlog.ActionOn:
			t := e.Timestamp
			openAt = &t
		case eventlog.ActionOff:
			if openAt == nil {
				continue
			}
			s := session{onAt: *openAt, offAt: e.Timestamp}
			s.rows = rowsInRange(rows, s.onAt, s.offAt)
			sessions = append(sessions, s)
			openAt = nil
		}
	}
	return sessions
}

func rowsInRange(rows []TemperatureRow, start, end time.Time) []TemperatureRow {
	var out []TemperatureRow
	for _, r := range rows {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out
}

// filterGarbageSessions drops sessions that end at or below their
// starting temperature, or whose duration falls outside [5min, 6h]
// (spec §4.5 step 2).
func filterGarbageSessions(sessions []session) []session {
	var kept []session
	for _, s := range sessions {
		duration := s.offAt.Sub(s.onAt)
		if duration < minSessionDuration || duration > maxSessionDuration {
			continue
		}
		if len(s.rows) < 2 {
			continue
		}
		start := s.rows[0].WaterTempF
		end := s.rows[len(s.rows)-1].WaterTempF
		if end <= start {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

type heatingMetrics struct {
	velocity   *float64
	startupLag *float64
	overshoot  *float64
}

func aggregateHeatingMetrics(sessions []session) heatingMetrics {
	if len(sessions) == 0 {
		return heatingMetrics{}
	}

	var velocities, lags, overshoots []float64
	for _, s := range sessions {
		velocities = append(velocities, sessionVelocity(s))
		lags = append(lags, sessionStartupLag(s))
		overshoots = append(overshoots, sessionOvershoot(s))
	}

	v := mean(velocities)
	l := mean(lags)
	o := mean(overshoots)
	return heatingMetrics{velocity: &v, startupLag: &l, overshoot: &o}
}

// sessionVelocity is the linear-regression slope over the steady-state
// window: after the startup lag, before the last 2 minutes. Falls
// back to the overall average rate for sessions too short to carve out
// a steady-state window (spec §4.5 step 3).
func sessionVelocity(s session) float64 {
	lag := sessionStartupLag(s)
	windowStart := s.onAt.Add(time.Duration(lag * float64(time.Minute)))
	windowEnd := s.offAt.Add(-steadyStateTailCut)

	var xs, ys []float64
	for _, r := range s.rows {
		if r.Timestamp.Before(windowStart) || r.Timestamp.After(windowEnd) {
			continue
		}
		xs = append(xs, r.Timestamp.Sub(s.onAt).Minutes())
		ys = append(ys, r.WaterTempF)
	}

	if len(xs) >= 2 {
		slope, _, _ := linearRegression(xs, ys)
		return slope
	}

	duration := s.offAt.Sub(s.onAt).Minutes()
	if duration <= 0 {
		return 0
	}
	start := s.rows[0].WaterTempF
	end := s.rows[len(s.rows)-1].WaterTempF
	return (end - start) / duration
}

// sessionStartupLag is the time from heater-on until water temperature
// first rises by >= 0.5F (spec §4.5 step 3).
func sessionStartupLag(s session) float64 {
	if len(s.rows) == 0 {
		return 0
	}
	base := s.rows[0].WaterTempF
	for _, r := range s.rows {
		if r.WaterTempF-base >= startupLagDeltaF {
			return r.Timestamp.Sub(s.onAt).Minutes()
		}
	}
	return s.offAt.Sub(s.onAt).Minutes()
}

// sessionOvershoot is max(water_temp) - water_temp_at_off, scanning
// forward up to 10 min after off (spec §4.5 step 3).
func sessionOvershoot(s session) float64 {
	if len(s.rows) == 0 {
		return 0
	}
	tempAtOff := s.rows[len(s.rows)-1].WaterTempF
	maxTemp := tempAtOff
	cutoff := s.offAt.Add(overshootWindow)
	for _, r := range s.rows {
		if r.Timestamp.After(cutoff) {
			continue
		}
		if r.WaterTempF > maxTemp {
			maxTemp = r.WaterTempF
		}
	}
	return maxTemp - tempAtOff
}

type coolingFit struct {
	k          *float64
	rSquared   *float64
	dataPoints int
}

// fitCoolingCoefficient identifies settled cooling intervals and fits
// Newton's law of cooling with iterative 2-sigma outlier pruning
// (spec §4.5 step 5).
func fitCoolingCoefficient(rows []TemperatureRow, events []eventlog.Event) coolingFit {
	lastHeaterOffAt := lastHeaterTransitionTimes(events)

	var points []float64
	var logRatios []float64 // ln((T2-Ta)/(T1-Ta)), paired with deltaT for the fit
	var deltaTs []float64

	for i := 0; i+1 < len(rows); i++ {
		r1, r2 := rows[i], rows[i+1]
		if r1.HeaterOn || r2.HeaterOn {
			continue
		}
		if r1.AmbientTempF == nil || r2.AmbientTempF == nil {
			continue
		}

		settledSince, ok := lastHeaterOffAt(r1.Timestamp)
		if !ok || r1.Timestamp.Sub(settledSince) < coolingSettlePeriod {
			continue
		}

		deltaT := r2.Timestamp.Sub(r1.Timestamp)
		if deltaT <= 0 || deltaT > coolingMaxDeltaT {
			continue
		}

		ta := *r1.AmbientTempF
		t1 := r1.WaterTempF
		t2 := r2.WaterTempF
		if math.Abs(t1-ta) < coolingMinDeltaTemp {
			continue
		}

		ratio := (t2 - ta) / (t1 - ta)
		if ratio <= 0 {
			continue
		}
		k := -math.Log(ratio) / deltaT.Minutes()

		points = append(points, k)
		logRatios = append(logRatios, math.Log(ratio))
		deltaTs = append(deltaTs, deltaT.Minutes())
	}

	pruned, prunedLogRatios, prunedDeltaTs := pruneOutliers(points, logRatios, deltaTs)

	if len(pruned) < minCoolingSamplesForFit {
		return coolingFit{dataPoints: len(pruned)}
	}

	k := mean(pruned)
	rSquared := coolingRSquared(prunedDeltaTs, prunedLogRatios, k)
	return coolingFit{k: &k, rSquared: &rSquared, dataPoints: len(pruned)}
}

// pruneOutliers iteratively removes points more than 2 sigma above the
// mean until convergence, since pump-induced cooling bursts show as
// high-k outliers (spec §4.5 step 5).
func pruneOutliers(ks, logRatios, deltaTs []float64) ([]float64, []float64, []float64) {
	for {
		if len(ks) == 0 {
			return ks, logRatios, deltaTs
		}
		m := mean(ks)
		sd := stddev(ks, m)
		if sd == 0 {
			return ks, logRatios, deltaTs
		}

		var keptK, keptLR, keptDT []float64
		removed := false
		for i, k := range ks {
			if k > m+2*sd {
				removed = true
				continue
			}
			keptK = append(keptK, k)
			keptLR = append(keptLR, logRatios[i])
			keptDT = append(keptDT, deltaTs[i])
		}
		if !removed {
			return ks, logRatios, deltaTs
		}
		ks, logRatios, deltaTs = keptK, keptLR, keptDT
	}
}

// coolingRSquared reports how well ln(ratio) = -k*deltaT fits the
// retained points.
func coolingRSquared(deltaTs, logRatios []float64, k float64) float64 {
	if len(deltaTs) == 0 {
		return 0
	}
	meanLR := mean(logRatios)
	var ssTot, ssRes float64
	for i, dt := range deltaTs {
		predicted := -k * dt
		ssRes += (logRatios[i] - predicted) * (logRatios[i] - predicted)
		ssTot += (logRatios[i] - meanLR) * (logRatios[i] - meanLR)
	}
	// Residuals at rounding-noise level relative to the data are a
	// perfect fit; clean constant-k data would otherwise divide one
	// rounding error by another.
	var scale float64
	for _, lr := range logRatios {
		scale += lr * lr
	}
	if ssTot == 0 || ssRes <= 1e-18*scale {
		return 1
	}
	return 1 - ssRes/ssTot
}

// lastHeaterTransitionTimes returns a lookup function: given a row
// timestamp, find the most recent heater-off transition at or before
// it, so the cooling fit can enforce the 15-minute settle period.
func lastHeaterTransitionTimes(events []eventlog.Event) func(time.Time) (time.Time, bool) {
	var offs []time.Time
	for _, e := range events {
		if e.Equipment == eventlog.EquipmentHeater && e.Action == eventlog.ActionOff {
			offs = append(offs, e.Timestamp)
		}
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i].Before(offs[j]) })

	return func(t time.Time) (time.Time, bool) {
		var best time.Time
		found := false
		for _, off := range offs {
			if off.After(t) {
				break
			}
			best = off
			found = true
		}
		return best, found
	}
}

func linearRegression(xs, ys []float64) (slope, intercept float64, rSquared float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, 0
	}
	meanX := mean(xs)
	meanY := mean(ys)

	var numerator, denominator float64
	for i := range xs {
		numerator += (xs[i] - meanX) * (ys[i] - meanY)
		denominator += (xs[i] - meanX) * (xs[i] - meanX)
	}
	if denominator == 0 {
		return 0, meanY, 0
	}
	slope = numerator / denominator
	intercept = meanY - slope*meanX

	var ssTot, ssRes float64
	for i := range xs {
		predicted := slope*xs[i] + intercept
		ssRes += (ys[i] - predicted) * (ys[i] - predicted)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		rSquared = 1
	} else {
		rSquared = 1 - ssRes/ssTot
	}
	return slope, intercept, rSquared
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - m) * (x - m)
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

