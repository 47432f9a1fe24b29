// Package crontab isolates every other subsystem from task-table
// formatting and timezone reasoning (spec §4.2, C6), on top of a
// TableAdapter (C1) that shells out to the host's crontab binary the
// way the teacher's collaborators are injected as narrow interfaces
// (WeatherSchedulerService takes a repository interface, not a *gorm.DB).
package crontab

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// TableAdapter is the outbound task-table contract from spec §6: three
// operations, lines opaque except for the leading 5 cron fields and
// the trailing HOTTUB marker comment.
type TableAdapter interface {
	ListEntries() ([]string, error)
	AddEntry(line string) error
	RemoveByPattern(substr string) error
}

// markerPattern matches the HOTTUB:<jobId>:<LABEL>:<SCOPE> ownership
// marker per spec §3/§6.
var markerPattern = regexp.MustCompile(`HOTTUB:[A-Za-z0-9_-]+:[A-Z-]+:(ONCE|DAILY)`)

// ShellAdapter implements TableAdapter by shelling out to `crontab -l`
// / `crontab -`, the way design notes §9 describes. A read that comes
// back empty is retried exactly once before being trusted, since an
// empty read treated as "no entries" would silently wipe every line on
// the next write.
type ShellAdapter struct {
	binary string
	log    *zap.Logger
}

// NewShellAdapter builds a ShellAdapter invoking the given crontab
// binary (normally "crontab", overridable for tests).
func NewShellAdapter(binary string, log *zap.Logger) *ShellAdapter {
	if binary == "" {
		binary = "crontab"
	}
	return &ShellAdapter{binary: binary, log: logger.WithComponent(logger.NoopOrDefault(log), "crontab")}
}

// ListEntries returns the current task table, one line per entry,
// retrying once on an empty read (the table is never legitimately
// empty in a running install — it always carries at least the seed
// shell directive and/or foreign entries).
func (a *ShellAdapter) ListEntries() ([]string, error) {
	lines, err := a.listOnce()
	if err == nil && len(lines) > 0 {
		return lines, nil
	}

	// Either the call failed or came back empty: retry once before
	// trusting an empty table, the transient-read protection spec §7
	// and S4 require (a wiped table must never be mistaken for "no
	// entries" and written back that way).
	metrics.RecordCronMutationRetry()
	lines, err = a.listOnce()
	if err != nil {
		return nil, apperrors.TaskTableRead(err)
	}
	return lines, nil
}

func (a *ShellAdapter) listOnce() ([]string, error) {
	cmd := exec.Command(a.binary, "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// "no crontab for user" is a legitimate empty table, not a
		// transient failure; the caller's empty-result retry still
		// applies uniformly.
		if strings.Contains(stderr.String(), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("crontab -l: %w: %s", err, stderr.String())
	}

	raw := stdout.String()
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// AddEntry appends a line to the table, preserving every existing line.
func (a *ShellAdapter) AddEntry(line string) error {
	lines, err := a.ListEntries()
	if err != nil {
		return err
	}
	lines = append(lines, line)
	return a.write(lines)
}

// RemoveByPattern deletes every line containing substr, preserving all
// others byte-identical (spec S2).
func (a *ShellAdapter) RemoveByPattern(substr string) error {
	lines, err := a.ListEntries()
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, line := range lines {
		if !strings.Contains(line, substr) {
			kept = append(kept, line)
		}
	}
	return a.write(kept)
}

func (a *ShellAdapter) write(lines []string) error {
	body := strings.Join(lines, "\n")
	if len(lines) > 0 {
		body += "\n"
	}

	cmd := exec.Command(a.binary, "-")
	cmd.Stdin = strings.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apperrors.TaskTableRead(fmt.Errorf("crontab -: %w: %s", err, stderr.String()))
	}
	return nil
}

// Scope is the HOTTUB marker's SCOPE field.
type Scope string

const (
	ScopeOnce  Scope = "ONCE"
	ScopeDaily Scope = "DAILY"
)

// Scheduler translates unix times into cron expressions and installs
// them via a TableAdapter, owning all task-table formatting so every
// other component deals only in (time, command, label) tuples.
type Scheduler struct {
	table TableAdapter
	log   *zap.Logger
}

// NewScheduler builds a Scheduler writing through table.
func NewScheduler(table TableAdapter, log *zap.Logger) *Scheduler {
	return &Scheduler{table: table, log: logger.WithComponent(logger.NoopOrDefault(log), "scheduler")}
}

// hostLocation resolves the operating system's configured timezone,
// independent of this process's TZ environment variable: Go populates
// time.Local from TZ when it's set, but the external periodic-task
// runner evaluates crontab entries in the OS locale regardless of how
// this particular process was launched (spec §4.2/§9, the "timezone
// duality" note). A var, not a func literal inline, so tests can
// substitute a fixed zone without touching the real host.
var hostLocation = func() *time.Location {
	if zone, err := hostZoneFromLocaltime(); err == nil {
		return zone
	}
	return time.Local
}

// hostZoneFromLocaltime reads the /etc/localtime symlink Linux and
// most BSDs use to point at the system zoneinfo file, and resolves it
// to a *time.Location independent of $TZ.
func hostZoneFromLocaltime() (*time.Location, error) {
	target, err := os.Readlink("/etc/localtime")
	if err != nil {
		return nil, err
	}
	const marker = "zoneinfo/"
	idx := strings.Index(target, marker)
	if idx < 0 {
		return nil, fmt.Errorf("unrecognized /etc/localtime target: %s", target)
	}
	return time.LoadLocation(target[idx+len(marker):])
}

// GetCronExpression renders t, in the host OS's local timezone, as a
// 5-field cron expression without leading zeros. The OS-timezone
// requirement (not a process-configured one) matters because the
// external periodic-task runner evaluates crontab entries in its own
// locale, independent of how this process was launched.
func GetCronExpression(t time.Time) string {
	local := t.In(hostLocation())
	return fmt.Sprintf("%d %d %d %d %d",
		local.Minute(), local.Hour(), local.Day(), int(local.Month()), int(local.Weekday()))
}

// ScheduleAt installs a one-shot entry firing at t, running command and
// tagged with the HOTTUB:<jobId>:<label>:ONCE marker. Returns the cron
// expression installed.
func (s *Scheduler) ScheduleAt(t time.Time, jobID, command, label string) (string, error) {
	cronExpr := GetCronExpression(t)
	marker := fmt.Sprintf("HOTTUB:%s:%s:%s", jobID, label, ScopeOnce)
	line := fmt.Sprintf("%s %s '%s' # %s", cronExpr, command, jobID, marker)
	if err := s.table.AddEntry(line); err != nil {
		return "", err
	}
	metrics.RecordJobScheduled(label, false)
	s.log.Info("scheduled one-shot entry", zap.String("job_id", jobID), zap.String("cron", cronExpr), zap.String("label", label))
	return cronExpr, nil
}

// ScheduleDaily installs a recurring entry firing daily at the given
// hour:minute (host OS timezone), tagged HOTTUB:<jobId>:<label>:DAILY.
func (s *Scheduler) ScheduleDaily(hour, minute int, jobID, command, label string) (string, error) {
	cronExpr := fmt.Sprintf("%d %d * * *", minute, hour)
	marker := fmt.Sprintf("HOTTUB:%s:%s:%s", jobID, label, ScopeDaily)
	line := fmt.Sprintf("%s %s '%s' # %s", cronExpr, command, jobID, marker)
	if err := s.table.AddEntry(line); err != nil {
		return "", err
	}
	metrics.RecordJobScheduled(label, true)
	s.log.Info("scheduled daily entry", zap.String("job_id", jobID), zap.String("cron", cronExpr), zap.String("label", label))
	return cronExpr, nil
}

// RemoveJob removes every task-table entry owned by jobID.
func (s *Scheduler) RemoveJob(jobID string) error {
	if err := s.table.RemoveByPattern(fmt.Sprintf("HOTTUB:%s:", jobID)); err != nil {
		return err
	}
	metrics.RecordJobCanceled()
	return nil
}

// RemoveJobsWithPrefix removes every task-table entry whose jobId
// starts with prefix — used by the controller to clear every
// heat-target-<rand> self-scheduled entry in one call (spec §4.4).
func (s *Scheduler) RemoveJobsWithPrefix(prefix string) error {
	if err := s.table.RemoveByPattern(fmt.Sprintf("HOTTUB:%s", prefix)); err != nil {
		return err
	}
	metrics.RecordJobCanceled()
	return nil
}

// ListOwnedEntries returns every task-table line carrying a HOTTUB marker.
func (s *Scheduler) ListOwnedEntries() ([]string, error) {
	lines, err := s.table.ListEntries()
	if err != nil {
		return nil, err
	}
	var owned []string
	for _, line := range lines {
		if markerPattern.MatchString(line) {
			owned = append(owned, line)
		}
	}
	return owned, nil
}

// ExtractJobID pulls the jobId out of a HOTTUB marker line, or "" if
// the line carries no marker.
func ExtractJobID(line string) string {
	idx := strings.Index(line, "HOTTUB:")
	if idx < 0 {
		return ""
	}
	rest := line[idx+len("HOTTUB:"):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
