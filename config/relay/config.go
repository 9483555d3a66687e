package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" env-default:"3001"`
	GRPCPort int    `env:"GRPC_PORT" env-default:"0"`
	Env      string `env:"NODE_ENV" env-default:"development"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	LogJSON  bool   `env:"LOG_JSON" env-default:"false"`

	Zoom     ZoomConfig     `env-prefix:"ZOOM_"`
	Supabase SupabaseConfig `env-prefix:"SUPABASE_"`
	Backend  BackendConfig  `env-prefix:"BACKEND_"`
	Audio    AudioConfig    `env-prefix:"AUDIO_"`
	Session  SessionConfig  `env-prefix:"SESSION_"`
	Database DatabaseConfig `env-prefix:"DB_"`
}

type ZoomConfig struct {
	ClientID      string `env:"APP_CLIENT_ID"`
	ClientSecret  string `env:"APP_CLIENT_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET_TOKEN"`
}

type SupabaseConfig struct {
	Url        string `env:"URL"`
	AnonKey    string `env:"ANON_KEY"`
	Bucket     string `env:"BUCKET" env-default:"transcriptions"`
	MaxRetries uint64 `env:"MAX_RETRIES" env-default:"2"`
}

type BackendConfig struct {
	ApiUrl     string `env:"API_URL"`
	ApiKey     string `env:"API_KEY"`
	JWTSecret  string `env:"JWT_SECRET"`
	MaxRetries uint64 `env:"MAX_RETRIES" env-default:"2"`
}

type AudioConfig struct {
	SampleRate int    `env:"SAMPLE_RATE" env-default:"16000"`
	Channels   int    `env:"CHANNELS" env-default:"1"`
	Bitrate    string `env:"BITRATE" env-default:"128k"`
	FFmpegPath string `env:"FFMPEG_PATH" env-default:"ffmpeg"`
}

type SessionConfig struct {
	TempDir          string        `env:"TEMP_DIR" env-default:"temp"`
	FilePrefix       string        `env:"FILE_PREFIX" env-default:"zoom_meeting"`
	RawExt           string        `env:"RAW_EXT" env-default:"raw"`
	OutExt           string        `env:"OUT_EXT" env-default:"mp3"`
	EntryDuration    time.Duration `env:"ENTRY_DURATION" env-default:"2s"`
	TimestampScale   float64       `env:"TIMESTAMP_SCALE" env-default:"1000000"`
	MailboxSize      int           `env:"MAILBOX_SIZE" env-default:"256"`
	JoinTimeout      time.Duration `env:"JOIN_TIMEOUT" env-default:"10s"`
	LeaveTimeout     time.Duration `env:"LEAVE_TIMEOUT" env-default:"5s"`
	TranscodeTimeout time.Duration `env:"TRANSCODE_TIMEOUT" env-default:"5m"`
	UploadTimeout    time.Duration `env:"UPLOAD_TIMEOUT" env-default:"2m"`
	NotifyTimeout    time.Duration `env:"NOTIFY_TIMEOUT" env-default:"30s"`
}

type DatabaseConfig struct {
	DSN string `env:"DSN"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("PORT must be positive, got %d", c.Port))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		errs = append(errs, errors.New("AUDIO_SAMPLE_RATE and AUDIO_CHANNELS must be positive"))
	}
	if c.Session.TimestampScale <= 0 {
		errs = append(errs, errors.New("SESSION_TIMESTAMP_SCALE must be positive"))
	}
	if c.Session.FilePrefix == "" || c.Session.RawExt == "" || c.Session.OutExt == "" {
		errs = append(errs, errors.New("SESSION_FILE_PREFIX, SESSION_RAW_EXT and SESSION_OUT_EXT are required"))
	}
	return errors.Join(errs...)
}
