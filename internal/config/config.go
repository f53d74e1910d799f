// Package config holds the CLI configuration.
//
// Values are resolved in three layers: a .env file in the working directory,
// HUDDLE_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Mode selects how local video reaches the other participants.
type Mode string

const (
	ModeSFU      Mode = "sfu"
	ModeSnapshot Mode = "snapshot"
)

// EnvFile is the dotenv file read by Load when present.
const EnvFile = ".env"

const envPrefix = "HUDDLE_"

// Config stores every parameter of a session.
type Config struct {
	SignalURL    string // WebSocket URL of the signaling server
	AdmissionURL string // optional token endpoint; its grant overrides SignalURL
	Room         string
	Identity     string
	Mode         Mode
	CameraFile   string // IVF file published as the camera; empty joins receive-only
	STUNServers  []string

	ReplyTimeout     time.Duration
	ReactionInterval time.Duration
	EntityLifespan   int // reaction lifetime in render ticks
	FrameRate        int // render ticks per second
	SnapshotInterval time.Duration
	SnapshotQuality  int

	ViewportWidth  int
	ViewportHeight int

	Debug bool
}

// Load resolves the configuration from EnvFile, the environment and args
// (without the program name). A missing EnvFile is not an error.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", EnvFile, err)
	}

	c := &Config{}
	loaders := []error{
		loadEnvString(&c.SignalURL, "SIGNAL_URL", ""),
		loadEnvString(&c.AdmissionURL, "ADMISSION_URL", ""),
		loadEnvString(&c.Room, "ROOM", "lobby"),
		loadEnvString(&c.Identity, "IDENTITY", ""),
		loadEnvString((*string)(&c.Mode), "MODE", string(ModeSFU)),
		loadEnvString(&c.CameraFile, "CAMERA_FILE", ""),
		loadEnvStringSlice(&c.STUNServers, "STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		loadEnvDuration(&c.ReplyTimeout, "REPLY_TIMEOUT", 10*time.Second),
		loadEnvDuration(&c.ReactionInterval, "REACTION_INTERVAL", 400*time.Millisecond),
		loadEnvInt(&c.EntityLifespan, "ENTITY_LIFESPAN", 90),
		loadEnvInt(&c.FrameRate, "FRAME_RATE", 30),
		loadEnvDuration(&c.SnapshotInterval, "SNAPSHOT_INTERVAL", 300*time.Millisecond),
		loadEnvInt(&c.SnapshotQuality, "SNAPSHOT_QUALITY", 60),
		loadEnvInt(&c.ViewportWidth, "VIEWPORT_WIDTH", 1280),
		loadEnvInt(&c.ViewportHeight, "VIEWPORT_HEIGHT", 720),
		loadEnvBool(&c.Debug, "DEBUG", false),
	}
	if err := errors.Join(loaders...); err != nil {
		return nil, err
	}

	flags := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	flags.StringVarP(&c.SignalURL, "signal-url", "s", c.SignalURL, "signaling WebSocket URL")
	flags.StringVarP(&c.AdmissionURL, "admission-url", "a", c.AdmissionURL, "admission endpoint issuing the signaling token")
	flags.StringVarP(&c.Room, "room", "r", c.Room, "room name")
	flags.StringVarP(&c.Identity, "identity", "i", c.Identity, "participant identity (random when empty)")
	flags.StringVarP((*string)(&c.Mode), "mode", "m", string(c.Mode), "video path: sfu or snapshot")
	flags.StringVarP(&c.CameraFile, "camera", "c", c.CameraFile, "IVF file to publish as the camera")
	flags.StringSliceVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs")
	flags.DurationVar(&c.ReplyTimeout, "reply-timeout", c.ReplyTimeout, "deadline for each signaling reply")
	flags.DurationVar(&c.ReactionInterval, "reaction-interval", c.ReactionInterval, "minimum spacing of local reactions")
	flags.IntVar(&c.EntityLifespan, "lifespan", c.EntityLifespan, "reaction lifetime in render ticks")
	flags.IntVar(&c.FrameRate, "fps", c.FrameRate, "render ticks per second")
	flags.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "snapshot mode frame interval")
	flags.IntVar(&c.SnapshotQuality, "snapshot-quality", c.SnapshotQuality, "snapshot mode JPEG quality (1-100)")
	flags.IntVar(&c.ViewportWidth, "width", c.ViewportWidth, "viewport width")
	flags.IntVar(&c.ViewportHeight, "height", c.ViewportHeight, "viewport height")
	flags.BoolVarP(&c.Debug, "debug", "d", c.Debug, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if c.Identity == "" {
		c.Identity = uuid.NewString()
	}
	c.Mode = Mode(strings.ToLower(string(c.Mode)))
	return c, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []string

	switch {
	case c.SignalURL == "" && c.AdmissionURL == "":
		problems = append(problems, "one of signal-url or admission-url is required")
	case c.SignalURL != "":
		if _, err := NormalizeSignalURL(c.SignalURL); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.AdmissionURL != "" {
		if u, err := url.Parse(c.AdmissionURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "admission-url must be an http(s) URL")
		}
	}
	if strings.TrimSpace(c.Room) == "" {
		problems = append(problems, "room must not be empty")
	}
	if strings.TrimSpace(c.Identity) == "" {
		problems = append(problems, "identity must not be empty")
	}
	if c.Mode != ModeSFU && c.Mode != ModeSnapshot {
		problems = append(problems, fmt.Sprintf("mode must be %s or %s", ModeSFU, ModeSnapshot))
	}
	if c.ReplyTimeout <= 0 {
		problems = append(problems, "reply-timeout must be positive")
	}
	if c.ReactionInterval <= 0 {
		problems = append(problems, "reaction-interval must be positive")
	}
	if c.EntityLifespan < 1 {
		problems = append(problems, "lifespan must be at least 1 tick")
	}
	if c.FrameRate < 1 || c.FrameRate > 240 {
		problems = append(problems, "fps must be between 1 and 240")
	}
	if c.SnapshotInterval <= 0 {
		problems = append(problems, "snapshot-interval must be positive")
	}
	if c.SnapshotQuality < 1 || c.SnapshotQuality > 100 {
		problems = append(problems, "snapshot-quality must be between 1 and 100")
	}
	if c.ViewportWidth < 1 || c.ViewportHeight < 1 {
		problems = append(problems, "viewport must be at least 1x1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FrameInterval is the render tick period.
func (c *Config) FrameInterval() time.Duration {
	if c.FrameRate < 1 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.FrameRate)
}

// NormalizeSignalURL validates a signaling URL. http and https are mapped to
// ws and wss; a bare host gets wss.
func NormalizeSignalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %q", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling URL scheme: %q", u.Scheme)
	}
	return u.String(), nil
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func loadEnvString(target *string, key, def string) error {
	if v, ok := lookup(key); ok {
		*target = v
	} else {
		*target = def
	}
	return nil
}

func loadEnvInt(target *int, key string, def int) error {
	v, ok := lookup(key)
	if !ok {
		*target = def
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer for %s%s: %w", envPrefix, key, err)
	}
	*target = n
	return nil
}

func loadEnvBool(target *bool, key string, def bool) error {
	v, ok := lookup(key)
	if !ok {
		*target = def
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s%s: %w", envPrefix, key, err)
	}
	*target = b
	return nil
}

func loadEnvDuration(target *time.Duration, key string, def time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		*target = def
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration for %s%s: %w", envPrefix, key, err)
	}
	*target = d
	return nil
}

func loadEnvStringSlice(target *[]string, key string, def []string) error {
	v, ok := lookup(key)
	if !ok {
		*target = append([]string(nil), def...)
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*target = out
	return nil
}
