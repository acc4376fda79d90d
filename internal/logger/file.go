package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emily-flambe/orca/internal/models"
)

// FileLogger logs supervisor events to files in .orca/logs/.
// It creates timestamped per-run log files, per-task detailed logs,
// and maintains a latest.log symlink pointing to the most recent run.
// It is thread-safe and supports log level filtering to control verbosity.
// It implements budget.WaiterLogger for rate-limit countdown announcements.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a new FileLogger that writes to .orca/logs/.
// It creates the log directory if it doesn't exist, opens a timestamped
// run log file, and creates/updates the latest.log symlink.
// Uses default log level "info".
func NewFileLogger() (*FileLogger, error) {
	logDir := filepath.Join(".orca", "logs")
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDir creates a new FileLogger with a custom log directory.
// This is useful for testing or custom deployments.
// Uses default log level "info".
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a new FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")

	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}

	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	normalizedLevel := normalizeLogLevel(logLevel)

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizedLevel,
	}

	logger.writeRunLog("=== Orca Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// logLevelOrder maps level names to their verbosity rank, lowest first.
var logLevelOrder = map[string]int{
	"trace": 0,
	"debug": 1,
	"info":  2,
	"warn":  3,
	"error": 4,
}

// normalizeLogLevel lowercases level and falls back to "info" for unknown values.
func normalizeLogLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	if _, ok := logLevelOrder[l]; !ok {
		return "info"
	}
	return l
}

func logLevelToInt(level string) int {
	if v, ok := logLevelOrder[strings.ToLower(level)]; ok {
		return v
	}
	return logLevelOrder["info"]
}

// shouldLog checks if a message at the given level should be logged.
// Returns true if messageLevel >= configured logLevel.
func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	formatted := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message)
	fl.writeRunLog(formatted)
}

// LogSchedulerTick logs the outcome of a single scheduler admission pass at
// INFO level: how many tasks were considered dispatchable and how many were
// actually admitted under the concurrency cap and budget gate.
func (fl *FileLogger) LogSchedulerTick(dispatchable, admitted int) {
	if !fl.shouldLog("info") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [SCHED] tick: %d dispatchable, %d admitted\n",
		time.Now().Format("15:04:05"), dispatchable, admitted,
	)
	fl.writeRunLog(message)
}

// LogTaskDispatch logs a task being handed to the runner at INFO level.
func (fl *FileLogger) LogTaskDispatch(issueID string, phase models.Phase) {
	if !fl.shouldLog("info") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [SCHED] dispatching %s from %s\n",
		time.Now().Format("15:04:05"), issueID, phase,
	)
	fl.writeRunLog(message)
}

// LogInvocationResult logs detailed information about a completed agent
// invocation. It creates a separate log file per issue in the tasks/
// subdirectory, one entry appended per invocation.
func (fl *FileLogger) LogInvocationResult(inv models.Invocation) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	taskLogPath := filepath.Join(fl.tasksDir, fmt.Sprintf("task-%s.log", sanitizeIssueID(inv.IssueID)))

	file, err := os.OpenFile(taskLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open task log file: %w", err)
	}
	defer file.Close()

	content := fmt.Sprintf("=== Invocation %d (%s, phase %s) ===\n", inv.ID, inv.IssueID, inv.Phase)
	content += fmt.Sprintf("Status: %s\n", inv.Status)
	if inv.EndedAt != nil {
		content += fmt.Sprintf("Duration: %.1fs\n", inv.EndedAt.Sub(inv.StartedAt).Seconds())
	}
	if inv.NumTurns != nil {
		content += fmt.Sprintf("Turns used: %d\n", *inv.NumTurns)
	}
	if inv.CostUSD != nil {
		content += fmt.Sprintf("Cost USD: %.4f\n", *inv.CostUSD)
	}
	if inv.SessionID != "" {
		content += fmt.Sprintf("Session: %s\n", inv.SessionID)
	}
	if inv.BranchName != "" {
		content += fmt.Sprintf("Branch: %s\n", inv.BranchName)
	}
	content += "\n"

	if inv.OutputSummary != "" {
		content += fmt.Sprintf("Summary:\n%s\n\n", inv.OutputSummary)
	}
	if inv.LogPath != "" {
		content += fmt.Sprintf("Agent log: %s\n\n", inv.LogPath)
	}

	content += fmt.Sprintf("Logged at: %s\n\n", time.Now().Format(time.RFC3339))

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write task log: %w", err)
	}

	return nil
}

// LogPhaseTransition logs a task's phase transition at INFO level.
func (fl *FileLogger) LogPhaseTransition(issueID string, from, to models.Phase) {
	if !fl.shouldLog("info") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [TASK] %s: %s -> %s\n",
		time.Now().Format("15:04:05"), issueID, from, to,
	)
	fl.writeRunLog(message)
}

// LogSyncConflict logs a sync-engine conflict resolution at WARN level.
// Format: "[HH:MM:SS] [SYNC] issue-1: orca=in_review tracker=backlog -> kept orca"
func (fl *FileLogger) LogSyncConflict(issueID, localPhase, remoteState, resolution string) {
	if !fl.shouldLog("warn") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [SYNC] %s: orca=%s tracker=%s -> %s\n",
		time.Now().Format("15:04:05"), issueID, localPhase, remoteState, resolution,
	)
	fl.writeRunLog(message)
}

// LogWriteBack logs a tracker state push at DEBUG level.
func (fl *FileLogger) LogWriteBack(issueID, trackerState string) {
	if !fl.shouldLog("debug") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [SYNC] write-back %s -> %s\n",
		time.Now().Format("15:04:05"), issueID, trackerState,
	)
	fl.writeRunLog(message)
}

// LogMonitorTransition logs a CI or deploy monitor's polling outcome at
// INFO level, e.g. "[HH:MM:SS] [MONITOR] issue-1: awaiting_ci -> deploying (checks: success)".
func (fl *FileLogger) LogMonitorTransition(issueID, from, to, detail string) {
	if !fl.shouldLog("info") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [MONITOR] %s: %s -> %s (%s)\n",
		time.Now().Format("15:04:05"), issueID, from, to, detail,
	)
	fl.writeRunLog(message)
}

// LogRateLimitCountdown logs a live countdown while waiting out a rate
// limit. Called by budget.RateLimitWaiter when the wait starts and at each
// announce interval; logged at DEBUG level to avoid flooding the run log.
func (fl *FileLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	if !fl.shouldLog("debug") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [BUDGET] rate limit: %s remaining of %s\n",
		time.Now().Format("15:04:05"), remaining.Round(time.Second), total.Round(time.Second),
	)
	fl.writeRunLog(message)
}

// LogRateLimitAnnounce logs a coarser rate-limit announcement at WARN
// level, meant for periodic operator-facing updates.
func (fl *FileLogger) LogRateLimitAnnounce(remaining, total time.Duration) {
	if !fl.shouldLog("warn") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [BUDGET] still waiting on rate limit: %s remaining of %s\n",
		time.Now().Format("15:04:05"), remaining.Round(time.Second), total.Round(time.Second),
	)
	fl.writeRunLog(message)
}

// LogBudgetEvent logs a budget-window event (spend recorded, cap breached) at WARN level.
func (fl *FileLogger) LogBudgetEvent(event models.BudgetEvent) {
	if !fl.shouldLog("warn") {
		return
	}
	message := fmt.Sprintf(
		"[%s] [BUDGET] invocation %d: $%.4f recorded\n",
		time.Now().Format("15:04:05"), event.InvocationID, event.CostUSD,
	)
	fl.writeRunLog(message)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}

// sanitizeIssueID makes an issue identifier safe for use as a filename
// component by replacing path separators.
func sanitizeIssueID(issueID string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(issueID)
}
