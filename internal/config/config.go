// Package config loads Orca's runtime configuration from environment
// variables, applies the teacher's DefaultConfig()+Validate() idiom, and
// layers go-playground/validator struct-tag checks on top for everything
// that's expressible as a declarative rule.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every runtime-tunable value Orca's components need. Every
// field is sourced from an ORCA_-prefixed environment variable; see Load.
type Config struct {
	// Scheduler
	ConcurrencyCap       int `validate:"min=1"`
	SessionTimeoutMin    int `validate:"min=1"`
	MaxRetries           int `validate:"min=0"`
	BudgetWindowHours    int `validate:"min=1"`
	BudgetMaxCostUSD     float64 `validate:"min=0"`
	SchedulerIntervalSec int `validate:"min=1"`
	ResumeOnMaxTurns     bool

	// RateLimitWaiter (internal/budget): how long the Runner waits out a
	// rate-limit response before giving up, how often it announces the
	// remaining wait, and the safety margin added after the reported
	// reset time.
	RateLimitMaxWaitMin          int `validate:"min=1"`
	RateLimitAnnounceIntervalMin int `validate:"min=1"`
	RateLimitSafetyBufferSec     int `validate:"min=0"`

	// Runner / agent invocation
	AgentPath             string `validate:"required"`
	DefaultMaxTurns       int    `validate:"min=1"`
	DisallowedTools       []string
	ImplementSystemPrompt string
	ReviewSystemPrompt    string
	FixSystemPrompt       string
	ReviewMaxTurns        int `validate:"min=1"`
	MaxReviewCycles       int `validate:"min=0"`

	// DeployMonitor / CIMonitor
	DeployStrategy        string `validate:"oneof=none github_actions"`
	DeployPollIntervalSec int    `validate:"min=1"`
	DeployTimeoutMin      int    `validate:"min=1"`
	CITimeoutMin          int    `validate:"min=1"`

	// Store / API
	DBPath         string `validate:"required"`
	Port           int    `validate:"min=1,max=65535"`
	AllowedOrigins []string

	// SyncEngine / tracker
	SyncIntervalSec       int `validate:"min=1"`
	TrackerBaseURL        string `validate:"required_with=TrackerProjectIDs"`
	TrackerAPIKey         string
	TrackerWebhookSecret  string
	TrackerProjectIDs     []string
	TrackerReadyStateType string
	ProjectRepoMap        map[string]string
	// TrackerStateMap maps an Orca phase name (e.g. "ready", "in_review",
	// "done", "failed") to the tracker workflow state id writeBack pushes
	// for that phase. Parsed the same way as ProjectRepoMap.
	TrackerStateMap map[string]string
}

// DefaultConfig returns a Config with sensible defaults, matching no
// external tracker wiring (an operator must still supply TrackerAPIKey and
// ProjectRepoMap to run a real sync).
func DefaultConfig() *Config {
	return &Config{
		ConcurrencyCap:       1,
		SessionTimeoutMin:    60,
		MaxRetries:           3,
		BudgetWindowHours:    24,
		BudgetMaxCostUSD:     50,
		SchedulerIntervalSec: 10,
		ResumeOnMaxTurns:     true,

		RateLimitMaxWaitMin:          360,
		RateLimitAnnounceIntervalMin: 15,
		RateLimitSafetyBufferSec:     60,

		AgentPath:       "claude",
		DefaultMaxTurns: 40,
		ReviewMaxTurns:  20,
		MaxReviewCycles: 3,

		DeployStrategy:        "none",
		DeployPollIntervalSec: 30,
		DeployTimeoutMin:      30,
		CITimeoutMin:          30,

		DBPath: ".orca/orca.db",
		Port:   8080,

		SyncIntervalSec: 300,

		TrackerReadyStateType: "unstarted",
		ProjectRepoMap:        map[string]string{},
		TrackerStateMap:       map[string]string{},
	}
}

// Load builds a Config from defaults overlaid with ORCA_-prefixed
// environment variables, then validates it. Missing optional variables
// keep their default; a malformed value for a set variable is an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	applyInt(&cfg.ConcurrencyCap, "ORCA_CONCURRENCY_CAP")
	applyInt(&cfg.SessionTimeoutMin, "ORCA_SESSION_TIMEOUT_MIN")
	applyInt(&cfg.MaxRetries, "ORCA_MAX_RETRIES")
	applyInt(&cfg.BudgetWindowHours, "ORCA_BUDGET_WINDOW_HOURS")
	applyFloat(&cfg.BudgetMaxCostUSD, "ORCA_BUDGET_MAX_COST_USD")
	applyInt(&cfg.SchedulerIntervalSec, "ORCA_SCHEDULER_INTERVAL_SEC")
	applyBool(&cfg.ResumeOnMaxTurns, "ORCA_RESUME_ON_MAX_TURNS")
	applyInt(&cfg.RateLimitMaxWaitMin, "ORCA_RATE_LIMIT_MAX_WAIT_MIN")
	applyInt(&cfg.RateLimitAnnounceIntervalMin, "ORCA_RATE_LIMIT_ANNOUNCE_INTERVAL_MIN")
	applyInt(&cfg.RateLimitSafetyBufferSec, "ORCA_RATE_LIMIT_SAFETY_BUFFER_SEC")

	applyString(&cfg.AgentPath, "ORCA_AGENT_PATH")
	applyInt(&cfg.DefaultMaxTurns, "ORCA_DEFAULT_MAX_TURNS")
	applyStringSlice(&cfg.DisallowedTools, "ORCA_DISALLOWED_TOOLS")
	applyString(&cfg.ImplementSystemPrompt, "ORCA_IMPLEMENT_SYSTEM_PROMPT")
	applyString(&cfg.ReviewSystemPrompt, "ORCA_REVIEW_SYSTEM_PROMPT")
	applyString(&cfg.FixSystemPrompt, "ORCA_FIX_SYSTEM_PROMPT")
	applyInt(&cfg.ReviewMaxTurns, "ORCA_REVIEW_MAX_TURNS")
	applyInt(&cfg.MaxReviewCycles, "ORCA_MAX_REVIEW_CYCLES")

	applyString(&cfg.DeployStrategy, "ORCA_DEPLOY_STRATEGY")
	applyInt(&cfg.DeployPollIntervalSec, "ORCA_DEPLOY_POLL_INTERVAL_SEC")
	applyInt(&cfg.DeployTimeoutMin, "ORCA_DEPLOY_TIMEOUT_MIN")
	// ciTimeoutMin defaults to deployTimeoutMin when unset (spec.md §9
	// open question (b); see DESIGN.md).
	cfg.CITimeoutMin = cfg.DeployTimeoutMin
	applyInt(&cfg.CITimeoutMin, "ORCA_CI_TIMEOUT_MIN")

	applyString(&cfg.DBPath, "ORCA_DB_PATH")
	applyInt(&cfg.Port, "ORCA_PORT")
	applyStringSlice(&cfg.AllowedOrigins, "ORCA_ALLOWED_ORIGINS")

	applyInt(&cfg.SyncIntervalSec, "ORCA_SYNC_INTERVAL_SEC")
	applyString(&cfg.TrackerBaseURL, "ORCA_TRACKER_BASE_URL")
	applyString(&cfg.TrackerAPIKey, "ORCA_TRACKER_API_KEY")
	applyString(&cfg.TrackerWebhookSecret, "ORCA_TRACKER_WEBHOOK_SECRET")
	applyStringSlice(&cfg.TrackerProjectIDs, "ORCA_TRACKER_PROJECT_IDS")
	applyString(&cfg.TrackerReadyStateType, "ORCA_TRACKER_READY_STATE_TYPE")
	applyStringMap(&cfg.ProjectRepoMap, "ORCA_PROJECT_REPO_MAP")
	applyStringMap(&cfg.TrackerStateMap, "ORCA_TRACKER_STATE_MAP")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs go-playground/validator's struct-tag checks plus the
// cross-field rules tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.TrackerProjectIDs) > 0 && len(c.ProjectRepoMap) == 0 {
		return fmt.Errorf("config: projectRepoMap must be set when trackerProjectIds is non-empty")
	}
	if c.CITimeoutMin <= 0 {
		return fmt.Errorf("config: ciTimeoutMin must be positive")
	}
	return nil
}

func applyString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func applyFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func applyBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	*dst = v == "true" || v == "1"
}

// applyStringSlice parses a comma-separated env var into dst, trimming
// whitespace around each entry.
func applyStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// applyStringMap parses a comma-separated key=value env var into dst, e.g.
// "web=/repos/web,api=/repos/api".
func applyStringMap(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	*dst = out
}

// SessionTimeout returns the session timeout as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMin) * time.Minute
}

// BudgetWindow returns the rolling budget window as a time.Duration.
func (c *Config) BudgetWindow() time.Duration {
	return time.Duration(c.BudgetWindowHours) * time.Hour
}

// SchedulerInterval returns the scheduler tick interval as a time.Duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

// DeployPollInterval returns the monitor poll interval as a time.Duration.
func (c *Config) DeployPollInterval() time.Duration {
	return time.Duration(c.DeployPollIntervalSec) * time.Second
}

// DeployTimeout returns the deploy timeout as a time.Duration.
func (c *Config) DeployTimeout() time.Duration {
	return time.Duration(c.DeployTimeoutMin) * time.Minute
}

// CITimeout returns the CI timeout as a time.Duration.
func (c *Config) CITimeout() time.Duration {
	return time.Duration(c.CITimeoutMin) * time.Minute
}

// SyncInterval returns the fullSync interval as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// RateLimitMaxWait returns the rate-limit max-wait-before-giving-up as a
// time.Duration.
func (c *Config) RateLimitMaxWait() time.Duration {
	return time.Duration(c.RateLimitMaxWaitMin) * time.Minute
}

// RateLimitAnnounceInterval returns the rate-limit countdown announcement
// interval as a time.Duration.
func (c *Config) RateLimitAnnounceInterval() time.Duration {
	return time.Duration(c.RateLimitAnnounceIntervalMin) * time.Minute
}

// RateLimitSafetyBuffer returns the extra wait applied after a reported
// rate-limit reset time, as a time.Duration.
func (c *Config) RateLimitSafetyBuffer() time.Duration {
	return time.Duration(c.RateLimitSafetyBufferSec) * time.Second
}
