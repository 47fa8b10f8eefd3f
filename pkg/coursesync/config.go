// Copyright 2024-2026 Aiku AI

package coursesync

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Room creation failure policies.
const (
	OnRoomFailureAbort    = "abort"
	OnRoomFailureContinue = "continue"
)

// Config holds the course sync configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Sync       SyncConfig       `yaml:"sync"`
	Invite     InviteConfig     `yaml:"invite"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`

	topicTemplate *template.Template `yaml:"-"`
}

type HomeserverConfig struct {
	URL string `yaml:"url"`
	// Domain is the server name in user IDs. Empty means the server part of
	// the logged-in user's ID.
	Domain string `yaml:"domain"`
}

type SyncConfig struct {
	EncryptRooms  bool   `yaml:"encrypt_rooms"`
	TopicTemplate string `yaml:"topic_template"`
	// OnRoomFailure is "abort" or "continue".
	OnRoomFailure string   `yaml:"on_room_failure"`
	ExtraInvitees []string `yaml:"extra_invitees"`
}

type InviteConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TopicParams holds the parameters for rendering the room topic template.
type TopicParams struct {
	Name     string
	CourseID string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles the topic template.
func (c *Config) PostProcess() error {
	if c.Homeserver.URL == "" {
		return errors.New("homeserver.url is required")
	}
	switch c.Sync.OnRoomFailure {
	case "":
		c.Sync.OnRoomFailure = OnRoomFailureAbort
	case OnRoomFailureAbort, OnRoomFailureContinue:
	default:
		return fmt.Errorf("sync.on_room_failure: unknown policy %q", c.Sync.OnRoomFailure)
	}
	if c.Invite.MaxAttempts < 1 {
		return fmt.Errorf("invite.max_attempts must be at least 1, got %d", c.Invite.MaxAttempts)
	}
	if c.Invite.BaseDelay > 0 && c.Invite.BaseDelay < time.Millisecond {
		return fmt.Errorf("invite.base_delay %s is below one millisecond, durations need a unit such as 1s or 500ms", c.Invite.BaseDelay)
	}
	if c.Invite.MaxDelay > 0 && c.Invite.MaxDelay < time.Millisecond {
		return fmt.Errorf("invite.max_delay %s is below one millisecond, durations need a unit such as 1s or 500ms", c.Invite.MaxDelay)
	}
	if c.Invite.BaseDelay <= 0 || c.Invite.MaxDelay < c.Invite.BaseDelay {
		return fmt.Errorf("invite delays must satisfy 0 < base_delay <= max_delay, got %s and %s",
			c.Invite.BaseDelay, c.Invite.MaxDelay)
	}
	var err error
	c.topicTemplate, err = template.New("topic").Parse(c.Sync.TopicTemplate)
	return err
}

// RetryPolicy returns the invite retry policy described by the config.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Invite.MaxAttempts,
		BaseDelay:   c.Invite.BaseDelay,
		MaxDelay:    c.Invite.MaxDelay,
	}
}

// FormatTopic renders the room topic for a course.
func (c *Config) FormatTopic(params TopicParams) string {
	fallback := "Room for " + params.Name
	if c.topicTemplate == nil {
		return fallback
	}
	var buf []byte
	err := c.topicTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return fallback
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "url")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Bool, "sync", "encrypt_rooms")
	helper.Copy(up.Str, "sync", "topic_template")
	helper.Copy(up.Str, "sync", "on_room_failure")
	helper.Copy(up.List, "sync", "extra_invitees")
	helper.Copy(up.Int, "invite", "max_attempts")
	// Bare numbers are copied too, so decoding fails on a missing unit.
	helper.Copy(up.Str|up.Int, "invite", "base_delay")
	helper.Copy(up.Str|up.Int, "invite", "max_delay")
	helper.Copy(up.Int, "invite", "max_concurrent")
	helper.Copy(up.Str, "api", "listen_addr")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}

// ParseConfig copies the known keys of data onto the example config and
// decodes the result, so keys missing from data keep their example values.
func ParseConfig(data []byte) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	var userCfg yaml.Node
	if err := yaml.Unmarshal(data, &userCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if userCfg.Kind != 0 {
		upgradeConfig(up.NewHelper(&base, &userCfg))
	}

	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// NewLogger builds the root logger described by the logging section.
func (c LoggingConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if c.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(c.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
