// Package jobs implements the Job Scheduler (C7): persists job
// records, binds them to crontab.Scheduler entries, and reconciles
// orphans between the two on every list, the way the weather
// scheduler's processAlarms loop reconciles its in-memory schedule
// against the repository on every pass.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/crontab"
	"github.com/science/hottub-controller/internal/fsutil"
	"github.com/science/hottub-controller/internal/healthcheck"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// Record is the job-record file's shape (spec §3).
type Record struct {
	JobID             string                 `json:"jobId"`
	Action            string                 `json:"action"`
	Endpoint          string                 `json:"endpoint"`
	APIBaseURL        string                 `json:"apiBaseUrl"`
	Recurring         bool                   `json:"recurring"`
	ScheduledTime     time.Time              `json:"scheduledTime"`
	CreatedAt         time.Time              `json:"createdAt"`
	Params            map[string]interface{} `json:"params,omitempty"`
	HealthcheckUUID   string                 `json:"healthcheckUuid,omitempty"`
	HealthcheckPingURL string                `json:"healthcheckPingUrl,omitempty"`
}

// allowedActions is the set of actions scheduleJob accepts (spec §4.3
// step 1). heat-target is reserved for the controller's own
// self-scheduling path, not for user-initiated jobs.
var allowedActions = map[string]bool{
	"heater-on":  true,
	"heater-off": true,
	"pump-on":    true,
	"pump-off":   true,
}

// labelForAction maps an action to its task-table LABEL field.
func labelForAction(action string) string {
	switch action {
	case "heater-on":
		return "ON"
	case "heater-off":
		return "OFF"
	case "pump-on", "pump-off":
		return "PUMP"
	default:
		return strings.ToUpper(action)
	}
}

// Scheduler is the Job Scheduler (C7).
type Scheduler struct {
	recordsDir string
	cron       *crontab.Scheduler
	health     healthcheck.Monitor
	command    string
	log        *zap.Logger
}

// New builds a Scheduler. command is the task-table command column
// (e.g. the path to this binary's `hottubctl run-job` invocation),
// shared by every entry this scheduler installs.
func New(recordsDir string, cron *crontab.Scheduler, health healthcheck.Monitor, command string, log *zap.Logger) *Scheduler {
	if health == nil {
		health = healthcheck.NoopMonitor{}
	}
	return &Scheduler{
		recordsDir: recordsDir,
		cron:       cron,
		health:     health,
		command:    command,
		log:        logger.WithComponent(logger.NoopOrDefault(log), "jobs"),
	}
}

// ScheduleJob validates, persists, and installs a new job (spec §4.3).
func (s *Scheduler) ScheduleJob(action, endpoint, apiBaseURL string, when time.Time, recurring bool, params map[string]interface{}, jobIDPrefix string) (*Record, error) {
	if !allowedActions[action] {
		return nil, apperrors.Validation(fmt.Sprintf("action %q is not one of the allowed actions", action))
	}
	if !recurring && when.Before(time.Now()) {
		return nil, apperrors.Validation("cannot schedule a one-off job in the past")
	}

	apiBaseURL = strings.TrimRight(apiBaseURL, "/")

	jobID, err := generateJobID(jobIDPrefix, recurring)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	record := &Record{
		JobID:         jobID,
		Action:        action,
		Endpoint:      endpoint,
		APIBaseURL:    apiBaseURL,
		Recurring:     recurring,
		ScheduledTime: when,
		CreatedAt:     time.Now().UTC(),
		Params:        params,
	}

	if err := s.writeRecord(record); err != nil {
		return nil, apperrors.Internal(err)
	}

	label := labelForAction(action)
	command := fmt.Sprintf("%s '%s'", s.command, jobID)
	if recurring {
		if _, err := s.cron.ScheduleDaily(when.Hour(), when.Minute(), jobID, command, label); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.cron.ScheduleAt(when, jobID, command, label); err != nil {
			return nil, err
		}
	}

	if s.health.IsEnabled() {
		s.armHealthCheck(record, when, recurring)
	}

	return record, nil
}

// armHealthCheck creates and pings a schedule-bound check. Any failure
// is logged and swallowed — it must never fail scheduling (spec §4.3
// step 6, §4.7).
func (s *Scheduler) armHealthCheck(record *Record, when time.Time, recurring bool) {
	schedule := crontab.GetCronExpression(when)
	if recurring {
		schedule = fmt.Sprintf("%d %d * * *", when.Minute(), when.Hour())
	}

	check, err := s.health.CreateCheck(context.Background(), record.JobID, schedule, time.Local.String(), 300, nil)
	if err != nil {
		s.log.Warn("health check create failed, scheduling proceeds without monitoring", zap.String("job_id", record.JobID), zap.Error(err))
		return
	}
	if check == nil {
		return
	}

	record.HealthcheckUUID = check.UUID
	record.HealthcheckPingURL = check.PingURL
	if err := s.writeRecord(record); err != nil {
		s.log.Warn("failed to persist health check ids on record", zap.String("job_id", record.JobID), zap.Error(err))
	}
}

// ListJobs reads every record, reconciles orphaned task-table entries,
// and returns the surviving records sorted by scheduled time.
func (s *Scheduler) ListJobs() ([]*Record, error) {
	records, err := s.readAllRecords()
	if err != nil {
		return nil, err
	}
	recordByID := make(map[string]*Record, len(records))
	for _, r := range records {
		recordByID[r.JobID] = r
	}

	ownedLines, err := s.cron.ListOwnedEntries()
	if err != nil {
		return nil, err
	}

	for _, line := range ownedLines {
		jobID := crontab.ExtractJobID(line)
		if jobID == "" {
			continue
		}
		if _, hasRecord := recordByID[jobID]; hasRecord {
			continue
		}
		if isSelfScheduledPrefix(jobID) {
			// The controller's own heat-target-* entries never carry
			// a record file by design; they are exempt from orphan
			// cleanup (spec §5, reconciliation).
			continue
		}
		if err := s.cron.RemoveJob(jobID); err != nil {
			s.log.Warn("failed to remove orphaned task-table entry", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		metrics.RecordOrphanRemoved()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ScheduledTime.Before(records[j].ScheduledTime)
	})
	return records, nil
}

// CancelJob removes the task-table entries and record for jobID, and
// its health check if any.
func (s *Scheduler) CancelJob(jobID string) error {
	record, recordErr := s.readRecord(jobID)
	ownedLines, err := s.cron.ListOwnedEntries()
	if err != nil {
		return err
	}
	hasMarker := false
	for _, line := range ownedLines {
		if crontab.ExtractJobID(line) == jobID {
			hasMarker = true
			break
		}
	}

	if recordErr != nil && !hasMarker {
		return apperrors.NotFound(fmt.Sprintf("no job record or task-table entry for %q", jobID))
	}

	if err := s.cron.RemoveJob(jobID); err != nil {
		return err
	}

	if record != nil && record.HealthcheckUUID != "" {
		if !s.health.Delete(context.Background(), record.HealthcheckUUID) {
			s.log.Warn("failed to delete health check on job cancel", zap.String("job_id", jobID))
		}
	}

	if recordErr == nil {
		if err := os.Remove(s.recordPath(jobID)); err != nil && !os.IsNotExist(err) {
			return apperrors.Internal(err)
		}
	}
	return nil
}

func (s *Scheduler) recordPath(jobID string) string {
	return filepath.Join(s.recordsDir, jobID+".json")
}

func (s *Scheduler) writeRecord(record *Record) error {
	return fsutil.WriteJSONAtomic(s.recordPath(record.JobID), record)
}

func (s *Scheduler) readRecord(jobID string) (*Record, error) {
	var record Record
	if err := fsutil.ReadJSON(s.recordPath(jobID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Scheduler) readAllRecords() ([]*Record, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Internal(err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		jobID := strings.TrimSuffix(entry.Name(), ".json")
		record, err := s.readRecord(jobID)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// isSelfScheduledPrefix reports whether jobID belongs to the
// controller's own self-scheduling path rather than the user-facing
// job-/rec- convention.
func isSelfScheduledPrefix(jobID string) bool {
	return !strings.HasPrefix(jobID, "job-") && !strings.HasPrefix(jobID, "rec-")
}

func generateJobID(prefix string, recurring bool) (string, error) {
	if prefix != "" {
		return prefix, nil
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	suffix := hex.EncodeToString(buf)
	if recurring {
		return "rec-" + suffix, nil
	}
	return "job-" + suffix, nil
}

