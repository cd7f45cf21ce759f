package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"
)

const (
	StrategyDirect     = "direct"
	StrategyRawFile    = "raw-file"
	StrategyRawChannel = "raw-channel"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// V holds defaults, environment bindings and the flags of the serve command.
var V = viper.New()

// all config will be loaded from environment variables or serve flags
type Config struct {
	AnonymousLogin bool
	Port           string
	RTMPAddr       string

	OutputDir    string
	DatabasePath string
	Strategy     string

	SplitSize        int64
	SplitCheckEvery  int
	PoolMaxBuffers   int
	PoolBufferSize   int
	PoolBlockTimeout time.Duration
	PollInterval     time.Duration
	DrainAttempts    int

	MinFreeBytes            uint64
	MinFreeRatio            float64
	MaxRecordingHours       int
	CheckInterval           time.Duration
	MaxConcurrentRecordings int

	// µs
	FrameInterval int64
	// bytes per second, 0 for no limit
	BuildReadLimit int

	Username     string
	PasswordHash string
	JwtSecret    string
	LogLevel     logrus.Level
}

func init() {
	SetDefaults(V)
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("rtmp_addr", ":1935")
	v.SetDefault("output_dir", "records")
	v.SetDefault("database_path", "data/splitrec.db")
	v.SetDefault("strategy", StrategyDirect)
	v.SetDefault("split_size", int64(4_000_000_000))
	v.SetDefault("split_check_every", 1000)
	v.SetDefault("pool_max_buffers", 256)
	v.SetDefault("pool_buffer_size", 64*1024)
	v.SetDefault("pool_block_timeout", 500*time.Millisecond)
	v.SetDefault("poll_interval", 20*time.Millisecond)
	v.SetDefault("drain_attempts", 100)
	v.SetDefault("min_free_bytes", uint64(512<<20))
	v.SetDefault("min_free_ratio", 0.02)
	v.SetDefault("max_recording_hours", 5)
	v.SetDefault("check_interval", 10*time.Second)
	v.SetDefault("max_concurrent_recordings", 3)
	v.SetDefault("frame_interval", int64(33333))
	v.SetDefault("build_read_limit", 0)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("jwt_secret", "splitrec_secret")
	v.SetDefault("log_level", "info")

	v.AutomaticEnv()
	v.BindEnv("port", "PORT")
	v.BindEnv("rtmp_addr", "RTMP_ADDR")
	v.BindEnv("output_dir", "OUTPUT_DIR")
	v.BindEnv("database_path", "DATABASE_PATH")
	v.BindEnv("strategy", "RECORD_STRATEGY")
	v.BindEnv("split_size", "SPLIT_SIZE")
	v.BindEnv("split_check_every", "SPLIT_CHECK_EVERY")
	v.BindEnv("pool_max_buffers", "POOL_MAX_BUFFERS")
	v.BindEnv("pool_buffer_size", "POOL_BUFFER_SIZE")
	v.BindEnv("pool_block_timeout", "POOL_BLOCK_TIMEOUT")
	v.BindEnv("poll_interval", "POLL_INTERVAL")
	v.BindEnv("drain_attempts", "DRAIN_ATTEMPTS")
	v.BindEnv("min_free_bytes", "MIN_FREE_BYTES")
	v.BindEnv("min_free_ratio", "MIN_FREE_RATIO")
	v.BindEnv("max_recording_hours", "MAX_RECORDING_HOURS")
	v.BindEnv("check_interval", "CHECK_INTERVAL")
	v.BindEnv("max_concurrent_recordings", "MAX_CONCURRENT_RECORDINGS")
	v.BindEnv("frame_interval", "POSTMUX_FRAME_INTERVAL_US")
	v.BindEnv("build_read_limit", "POSTMUX_READ_LIMIT")
	v.BindEnv("username", "USERNAME")
	v.BindEnv("password", "PASSWORD")
	v.BindEnv("jwt_secret", "JWT_SECRET")
	v.BindEnv("log_level", "LOG_LEVEL")
}

// Load reads v into a Config and applies the log level.
func Load(v *viper.Viper) (*Config, error) {
	username, password := v.GetString("username"), v.GetString("password")
	var passwordHash []byte
	if username != "" && password != "" {
		var err error
		if passwordHash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err != nil {
			return nil, err
		}
	}

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	cfg := &Config{
		AnonymousLogin:          len(passwordHash) == 0,
		Port:                    v.GetString("port"),
		RTMPAddr:                v.GetString("rtmp_addr"),
		OutputDir:               v.GetString("output_dir"),
		DatabasePath:            v.GetString("database_path"),
		Strategy:                v.GetString("strategy"),
		SplitSize:               v.GetInt64("split_size"),
		SplitCheckEvery:         v.GetInt("split_check_every"),
		PoolMaxBuffers:          v.GetInt("pool_max_buffers"),
		PoolBufferSize:          v.GetInt("pool_buffer_size"),
		PoolBlockTimeout:        v.GetDuration("pool_block_timeout"),
		PollInterval:            v.GetDuration("poll_interval"),
		DrainAttempts:           v.GetInt("drain_attempts"),
		MinFreeBytes:            v.GetUint64("min_free_bytes"),
		MinFreeRatio:            v.GetFloat64("min_free_ratio"),
		MaxRecordingHours:       v.GetInt("max_recording_hours"),
		CheckInterval:           v.GetDuration("check_interval"),
		MaxConcurrentRecordings: v.GetInt("max_concurrent_recordings"),
		FrameInterval:           v.GetInt64("frame_interval"),
		BuildReadLimit:          v.GetInt("build_read_limit"),
		Username:                username,
		PasswordHash:            string(passwordHash),
		JwtSecret:               v.GetString("jwt_secret"),
		LogLevel:                level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyDirect, StrategyRawFile, StrategyRawChannel:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown strategy %q", c.Strategy)
	}
	if c.SplitSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "split size %d", c.SplitSize)
	}
	if c.MinFreeRatio < 0 || c.MinFreeRatio >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "min free ratio %v", c.MinFreeRatio)
	}
	if c.MaxConcurrentRecordings <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "max concurrent recordings %d", c.MaxConcurrentRecordings)
	}
	if c.BuildReadLimit < 0 {
		return errors.Wrapf(ErrInvalidConfig, "build read limit %d", c.BuildReadLimit)
	}
	if c.CheckInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "check interval %v", c.CheckInterval)
	}
	return nil
}

func (c *Config) MaxRecordingDuration() time.Duration {
	return time.Duration(c.MaxRecordingHours) * time.Hour
}

func provider() (*Config, error) {
	return Load(V)
}

var Module = fx.Module("config", fx.Provide(provider))
