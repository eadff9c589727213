// Package config loads and validates the orchestrator's declarative
// configuration. It supports a YAML config file, HERD_-prefixed environment
// variables, and defaults. Validation is strict: unknown top-level keys are
// an error, while unknown per-plugin keys are passed through untouched.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	WorktreeDir string `mapstructure:"worktree_dir"`

	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// The sections below are hot-swapped on SIGHUP via ApplyDynamic; read
	// them through the accessor methods, which take the lock.
	Defaults  DefaultsConfig            `mapstructure:"defaults"`
	Projects  map[string]*Project       `mapstructure:"projects"`
	Notifiers map[string]map[string]any `mapstructure:"notifiers"`

	// NotificationRouting maps an event priority to the notifier names that
	// receive events of that priority.
	NotificationRouting map[string][]string `mapstructure:"notification_routing"`

	// Reactions maps a session status to the reaction fired on entering it.
	// Projects may override individual statuses.
	Reactions map[string]*Reaction `mapstructure:"reactions"`

	mu sync.RWMutex
}

// ApplyDynamic swaps in the reloadable sections from a freshly loaded and
// validated config: projects, reactions, notification routing, notifier
// instances, and plugin defaults. Server, store, and bus settings are
// boot-only and stay untouched.
func (c *Config) ApplyDynamic(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Defaults = fresh.Defaults
	c.Projects = fresh.Projects
	c.Notifiers = fresh.Notifiers
	c.NotificationRouting = fresh.NotificationRouting
	c.Reactions = fresh.Reactions
}

// ServerConfig holds the operator API server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LifecycleConfig holds the polling scheduler configuration.
type LifecycleConfig struct {
	PollInterval  int `mapstructure:"poll_interval"`  // seconds between ticks (floor, not ceiling)
	StuckAfter    int `mapstructure:"stuck_after"`    // seconds of idle before a session counts as stuck
	Workers       int `mapstructure:"workers"`        // bounded observation pool size
	CallTimeout   int `mapstructure:"call_timeout"`   // per external call, seconds
	ShutdownGrace int `mapstructure:"shutdown_grace"` // seconds in-flight ticks may run after shutdown
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (l *LifecycleConfig) PollIntervalDuration() time.Duration {
	return time.Duration(l.PollInterval) * time.Second
}

// StuckAfterDuration returns the idle-to-stuck threshold as a time.Duration.
func (l *LifecycleConfig) StuckAfterDuration() time.Duration {
	return time.Duration(l.StuckAfter) * time.Second
}

// CallTimeoutDuration returns the per-call timeout as a time.Duration.
func (l *LifecycleConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(l.CallTimeout) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace period as a time.Duration.
func (l *LifecycleConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(l.ShutdownGrace) * time.Second
}

// DefaultsConfig names the plugins used when a project does not override them.
type DefaultsConfig struct {
	Runtime   string   `mapstructure:"runtime"`
	Agent     string   `mapstructure:"agent"`
	Workspace string   `mapstructure:"workspace"`
	Tracker   string   `mapstructure:"tracker"`
	SCM       string   `mapstructure:"scm"`
	Notifiers []string `mapstructure:"notifiers"`
}

// Project is one tracked repository the orchestrator spawns sessions for.
type Project struct {
	Name          string `mapstructure:"name"`
	Repo          string `mapstructure:"repo"` // owner/name on the forge
	Path          string `mapstructure:"path"` // local clone the workspaces branch from
	DefaultBranch string `mapstructure:"default_branch"`
	SessionPrefix string `mapstructure:"session_prefix"`

	// Plugin overrides; empty means the configured default.
	Runtime   string `mapstructure:"runtime"`
	Agent     string `mapstructure:"agent"`
	Workspace string `mapstructure:"workspace"`
	Tracker   string `mapstructure:"tracker"`
	SCM       string `mapstructure:"scm"`

	AgentRules        string   `mapstructure:"agent_rules"`
	OrchestratorRules string   `mapstructure:"orchestrator_rules"`
	Symlinks          []string `mapstructure:"symlinks"`
	PostCreate        []string `mapstructure:"post_create"`

	// Opaque plugin configuration, passed through unvalidated.
	TrackerConfig map[string]any `mapstructure:"tracker_config"`
	AgentConfig   map[string]any `mapstructure:"agent_config"`

	Reactions map[string]*Reaction `mapstructure:"reactions"`
}

// Reaction configures the automated response fired when a session enters a
// status.
type Reaction struct {
	Auto          bool   `mapstructure:"auto"`
	Action        string `mapstructure:"action"` // send-to-agent, notify, auto-merge
	Message       string `mapstructure:"message"`
	Strategy      string `mapstructure:"strategy"` // auto-merge: squash, merge, rebase
	Retries       int    `mapstructure:"retries"`
	EscalateAfter int    `mapstructure:"escalate_after"`
	Priority      string `mapstructure:"priority"`
}

// Reaction actions.
const (
	ActionSendToAgent = "send-to-agent"
	ActionNotify      = "notify"
	ActionAutoMerge   = "auto-merge"
)

// Event priorities accepted in routing tables and reactions.
var validPriorities = map[string]bool{
	"info": true, "warning": true, "action": true, "urgent": true,
}

var validActions = map[string]bool{
	ActionSendToAgent: true, ActionNotify: true, ActionAutoMerge: true,
}

var validMergeStrategies = map[string]bool{
	"squash": true, "merge": true, "rebase": true,
}

// Top-level keys accepted in the config file. Anything else is rejected.
var knownTopLevelKeys = map[string]bool{
	"data_dir": true, "worktree_dir": true, "server": true, "nats": true,
	"logging": true, "lifecycle": true, "defaults": true, "projects": true,
	"notifiers": true, "notification_routing": true, "reactions": true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.agent-orchestrator")
	v.SetDefault("worktree_dir", "~/.agent-orchestrator/worktrees")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7433)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Empty URL means in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "herd-orchestrator")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("lifecycle.poll_interval", 10)
	v.SetDefault("lifecycle.stuck_after", 300)
	v.SetDefault("lifecycle.workers", 8)
	v.SetDefault("lifecycle.call_timeout", 30)
	v.SetDefault("lifecycle.shutdown_grace", 10)

	v.SetDefault("defaults.runtime", "tmux")
	v.SetDefault("defaults.agent", "claude")
	v.SetDefault("defaults.workspace", "worktree")
	v.SetDefault("defaults.tracker", "github")
	v.SetDefault("defaults.scm", "github")
	v.SetDefault("defaults.notifiers", []string{})
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath or the default locations
// (cwd, ~/.agent-orchestrator, /etc/herd).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agent-orchestrator"))
	}
	v.AddConfigPath("/etc/herd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := rejectUnknownKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// rejectUnknownKeys enforces the strict top-level schema.
func rejectUnknownKeys(v *viper.Viper) error {
	var unknown []string
	for key := range v.AllSettings() {
		if !knownTopLevelKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Validate checks the configuration for structural errors. It collects all
// problems rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Lifecycle.PollInterval <= 0 {
		errs = append(errs, "lifecycle.poll_interval must be positive")
	}
	if cfg.Lifecycle.Workers <= 0 {
		errs = append(errs, "lifecycle.workers must be positive")
	}
	if cfg.Lifecycle.CallTimeout <= 0 {
		errs = append(errs, "lifecycle.call_timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	for id, project := range cfg.Projects {
		if project == nil {
			errs = append(errs, fmt.Sprintf("projects.%s: empty project", id))
			continue
		}
		if project.Path == "" {
			errs = append(errs, fmt.Sprintf("projects.%s: path is required", id))
		}
		if project.SessionPrefix == "" {
			errs = append(errs, fmt.Sprintf("projects.%s: session_prefix is required", id))
		}
		if strings.ContainsAny(project.SessionPrefix, "/ \t\n") || strings.Contains(project.SessionPrefix, "..") {
			errs = append(errs, fmt.Sprintf("projects.%s: session_prefix must not contain path separators or whitespace", id))
		}
		errs = append(errs, validateReactions(fmt.Sprintf("projects.%s.reactions", id), project.Reactions)...)
	}

	errs = append(errs, validateReactions("reactions", cfg.Reactions)...)

	for priority, names := range cfg.NotificationRouting {
		if !validPriorities[priority] {
			errs = append(errs, fmt.Sprintf("notification_routing.%s: unknown priority", priority))
		}
		for _, name := range names {
			if _, ok := cfg.Notifiers[name]; !ok {
				errs = append(errs, fmt.Sprintf("notification_routing.%s: notifier %q is not configured", priority, name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateReactions(prefix string, reactions map[string]*Reaction) []string {
	var errs []string
	for status, reaction := range reactions {
		if reaction == nil {
			continue
		}
		if !validActions[reaction.Action] {
			errs = append(errs, fmt.Sprintf("%s.%s: unknown action %q", prefix, status, reaction.Action))
		}
		if reaction.Action == ActionAutoMerge && reaction.Strategy != "" && !validMergeStrategies[reaction.Strategy] {
			errs = append(errs, fmt.Sprintf("%s.%s: unknown merge strategy %q", prefix, status, reaction.Strategy))
		}
		if reaction.Priority != "" && !validPriorities[reaction.Priority] {
			errs = append(errs, fmt.Sprintf("%s.%s: unknown priority %q", prefix, status, reaction.Priority))
		}
		if reaction.Retries < 0 {
			errs = append(errs, fmt.Sprintf("%s.%s: retries must not be negative", prefix, status))
		}
	}
	return errs
}

// ProjectFor returns the project with the given id.
func (c *Config) ProjectFor(id string) (*Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	project, ok := c.Projects[id]
	return project, ok
}

// ReactionFor resolves the reaction for a status, preferring the project
// override over the global table. Returns nil when no reaction is configured.
func (c *Config) ReactionFor(project *Project, status string) *Reaction {
	if project != nil {
		if reaction, ok := project.Reactions[status]; ok {
			return reaction
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if reaction, ok := c.Reactions[status]; ok {
		return reaction
	}
	return nil
}

// RoutingFor returns the notifier names configured for a priority.
func (c *Config) RoutingFor(priority string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationRouting[priority]
}

// RuntimeFor returns the runtime plugin name for a project. A nil project
// (removed from config while its sessions live on) falls back to the
// defaults, as do the other plugin accessors.
func (c *Config) RuntimeFor(p *Project) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p == nil {
		return c.Defaults.Runtime
	}
	return pick(p.Runtime, c.Defaults.Runtime)
}

// AgentFor returns the agent plugin name for a project.
func (c *Config) AgentFor(p *Project) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p == nil {
		return c.Defaults.Agent
	}
	return pick(p.Agent, c.Defaults.Agent)
}

// WorkspaceFor returns the workspace plugin name for a project.
func (c *Config) WorkspaceFor(p *Project) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p == nil {
		return c.Defaults.Workspace
	}
	return pick(p.Workspace, c.Defaults.Workspace)
}

// TrackerFor returns the tracker plugin name for a project.
func (c *Config) TrackerFor(p *Project) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p == nil {
		return c.Defaults.Tracker
	}
	return pick(p.Tracker, c.Defaults.Tracker)
}

// SCMFor returns the SCM plugin name for a project.
func (c *Config) SCMFor(p *Project) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p == nil {
		return c.Defaults.SCM
	}
	return pick(p.SCM, c.Defaults.SCM)
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// ExpandedDataDir returns data_dir with ~ expanded.
func (c *Config) ExpandedDataDir() (string, error) {
	return expandHome(c.DataDir)
}

// ExpandedWorktreeDir returns worktree_dir with ~ expanded.
func (c *Config) ExpandedWorktreeDir() (string, error) {
	return expandHome(c.WorktreeDir)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
