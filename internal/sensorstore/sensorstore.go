// Package sensorstore holds the latest ESP32 temperature report (C3):
// a file-backed singleton by default, with an optional Redis fast path
// that falls back to the file on any cache miss or error, the way
// features/weather/cache/weather.go fronts its repository with Redis
// but never treats a cache failure as authoritative.
package sensorstore

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
)

// Sensor is one probe's reading within a Reading.
type Sensor struct {
	Address            string   `json:"address"`
	TempC               float64  `json:"temp_c"`
	CalibrationOffset   *float64 `json:"calibration_offset,omitempty"`
	Role                string   `json:"role,omitempty"`
	Name                string   `json:"name,omitempty"`
}

// Reading is the sensor store's singleton contract (spec §6).
type Reading struct {
	Timestamp     time.Time `json:"timestamp"`
	ReceivedAt    time.Time `json:"received_at"`
	WaterTempC    float64   `json:"water_temp_c"`
	WaterTempF    float64   `json:"water_temp_f"`
	AmbientTempC  *float64  `json:"ambient_temp_c"`
	AmbientTempF  *float64  `json:"ambient_temp_f"`
	Sensors       []Sensor  `json:"sensors"`
	HeaterOn      bool      `json:"-"`
}

// Store is the sensor store contract every controller and CLI
// collaborator depends on.
type Store interface {
	GetLatest() (*Reading, error)
	PutLatest(r *Reading) error
	// PollIntervalSeconds is a pure function of the current heater
	// state, so the sensor device can vary its own reporting cadence
	// (spec §6): 60s while heating, 300s otherwise.
	PollIntervalSeconds(heaterOn bool) int
}

const (
	pollIntervalHeating = 60
	pollIntervalIdle    = 300
)

// FileStore is the default Store, reading/writing
// state/esp32-temperature.json.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// GetLatest reads the cached reading. A missing file is reported as
// apperrors.SensorUnavailable rather than a bare os error, so callers
// can apply spec §7's differing tolerance policy (fatal at start-time
// scheduling, tolerated for stop/getCurrentTemperature).
func (f *FileStore) GetLatest() (*Reading, error) {
	var r Reading
	if err := fsutil.ReadJSON(f.path, &r); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.SensorUnavailable("no sensor reading has ever been recorded")
		}
		return nil, apperrors.SensorUnavailable(err.Error())
	}
	return &r, nil
}

// PutLatest overwrites the cached reading atomically.
func (f *FileStore) PutLatest(r *Reading) error {
	return fsutil.WriteJSONAtomic(f.path, r)
}

func (f *FileStore) PollIntervalSeconds(heaterOn bool) int {
	if heaterOn {
		return pollIntervalHeating
	}
	return pollIntervalIdle
}

// TemperatureRow is one line of the append-only daily temperature log
// (spec §3), duplicated here (rather than imported from
// characteristics) since the estimator is characteristics' reader-side
// concern while the write side belongs to whoever owns ingestion.
type TemperatureRow struct {
	Timestamp    time.Time `json:"timestamp"`
	WaterTempF   float64   `json:"water_temp_f"`
	WaterTempC   float64   `json:"water_temp_c"`
	AmbientTempF *float64  `json:"ambient_temp_f"`
	AmbientTempC *float64  `json:"ambient_temp_c"`
	HeaterOn     bool      `json:"heater_on"`
}

// TemperatureLog appends sensor reports to a daily-rotated JSONL file.
type TemperatureLog struct {
	dir string
}

// NewTemperatureLog builds a TemperatureLog writing under dir
// (normally the logs/ directory), one file per UTC day.
func NewTemperatureLog(dir string) *TemperatureLog {
	return &TemperatureLog{dir: dir}
}

// Append writes one row to today's (UTC) log file.
func (t *TemperatureLog) Append(row TemperatureRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	path := t.pathFor(row.Timestamp)
	return fsutil.AppendLine(path, data)
}

func (t *TemperatureLog) pathFor(at time.Time) string {
	return t.dir + "/temperature-" + at.UTC().Format("2006-01-02") + ".log"
}

// Glob returns the glob pattern matching every daily temperature log
// file, for the characteristics estimator to read.
func (t *TemperatureLog) Glob() string {
	return t.dir + "/temperature-*.log"
}

// RedisStore fronts a FileStore with a Redis cache, used purely as a
// speed optimization: every write lands in both, and any Redis error
// or miss on read falls back to the file transparently, so the file
// remains the sole source of truth.
type RedisStore struct {
	file   *FileStore
	client *redis.Client
	ttl    time.Duration
	key    string
	log    *zap.Logger
}

// NewRedisStore builds a RedisStore wrapping file, caching under key in
// client with the given ttl.
func NewRedisStore(file *FileStore, client *redis.Client, key string, ttl time.Duration, log *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if key == "" {
		key = "hottub:sensor:latest"
	}
	return &RedisStore{
		file:   file,
		client: client,
		ttl:    ttl,
		key:    key,
		log:    logger.WithComponent(logger.NoopOrDefault(log), "sensorstore"),
	}
}

// GetLatest tries Redis first, falling back to the file store on any
// miss or error, and re-populating the cache from the file's result.
func (r *RedisStore) GetLatest() (*Reading, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key).Result()
	if err == nil {
		var cached Reading
		if unmarshalErr := json.Unmarshal([]byte(raw), &cached); unmarshalErr == nil {
			return &cached, nil
		}
	}
	if err != nil && err != redis.Nil {
		r.log.Warn("redis sensor cache read failed, falling back to file", zap.Error(err))
	}

	reading, fileErr := r.file.GetLatest()
	if fileErr != nil {
		return nil, fileErr
	}

	if setErr := r.setCache(ctx, reading); setErr != nil {
		r.log.Warn("redis sensor cache repopulate failed", zap.Error(setErr))
	}
	return reading, nil
}

// PutLatest writes the file first (authoritative) then best-effort
// updates the cache.
func (r *RedisStore) PutLatest(reading *Reading) error {
	if err := r.file.PutLatest(reading); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := r.setCache(ctx, reading); err != nil {
		r.log.Warn("redis sensor cache write failed", zap.Error(err))
	}
	return nil
}

func (r *RedisStore) PollIntervalSeconds(heaterOn bool) int {
	return r.file.PollIntervalSeconds(heaterOn)
}

func (r *RedisStore) setCache(ctx context.Context, reading *Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, r.ttl).Err()
}
