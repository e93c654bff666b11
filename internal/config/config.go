package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Calls    CallsConfig
	Dispatch DispatchConfig
	Speech   SpeechConfig
	Cleanup  CleanupConfig
}

type AppConfig struct {
	Env     string
	Port    int
	LogFile string

	// CORSOrigins lists origins allowed to call the API (panel, browser extension).
	// A single "*" allows any origin.
	CORSOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// LockTimeout bounds row-lock waits inside claim/finish transactions.
	LockTimeout time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// CallsConfig carries the attempt/expiry policy knobs.
type CallsConfig struct {
	MaxAttempts   int
	ExpiryWindow  time.Duration
	ExpiryPolicy  string // fixed | extend
	FinishOutcome string // called | waiting | finished
	SynthesisMode string // outside | inside
}

type DispatchConfig struct {
	Interval     time.Duration
	Concurrency  int
	StreamBuffer int
}

type SpeechConfig struct {
	Python            string
	Voice             string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	AudioDir          string
}

type CleanupConfig struct {
	Interval          time.Duration
	AudioRetention    time.Duration
	StalePlayingAfter time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = requiredInt(parseErrs, "APP_PORT")
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))
	c.App.CORSOrigins = splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = requiredInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.LockTimeout, parseErrs = optionalDuration(parseErrs, "DB_LOCK_TIMEOUT")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = requiredInt(parseErrs, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	// Everything below is optional; defaults are applied in Validate().
	c.Calls.MaxAttempts, parseErrs = optionalInt(parseErrs, "CALL_MAX_ATTEMPTS")
	c.Calls.ExpiryWindow, parseErrs = optionalDuration(parseErrs, "CALL_EXPIRY_WINDOW")
	c.Calls.ExpiryPolicy = strings.TrimSpace(os.Getenv("CALL_EXPIRY_POLICY"))
	c.Calls.FinishOutcome = strings.TrimSpace(os.Getenv("CALL_FINISH_OUTCOME"))
	c.Calls.SynthesisMode = strings.TrimSpace(os.Getenv("CLAIM_SYNTHESIS_MODE"))

	c.Dispatch.Interval, parseErrs = optionalDuration(parseErrs, "DISPATCH_INTERVAL")
	c.Dispatch.Concurrency, parseErrs = optionalInt(parseErrs, "DISPATCH_CONCURRENCY")
	c.Dispatch.StreamBuffer, parseErrs = optionalInt(parseErrs, "STREAM_BUFFER")

	c.Speech.Python = strings.TrimSpace(os.Getenv("TTS_PYTHON"))
	c.Speech.Voice = strings.TrimSpace(os.Getenv("TTS_VOICE"))
	c.Speech.Timeout, parseErrs = optionalDuration(parseErrs, "TTS_TIMEOUT")
	c.Speech.RequestsPerMinute, parseErrs = optionalInt(parseErrs, "TTS_REQUESTS_PER_MINUTE")
	c.Speech.MaxConcurrent, parseErrs = optionalInt(parseErrs, "TTS_MAX_CONCURRENT")
	c.Speech.AudioDir = strings.TrimSpace(os.Getenv("AUDIO_DIR"))

	c.Cleanup.Interval, parseErrs = optionalDuration(parseErrs, "CLEANUP_INTERVAL")
	c.Cleanup.AudioRetention, parseErrs = optionalDuration(parseErrs, "AUDIO_RETENTION")
	c.Cleanup.StalePlayingAfter, parseErrs = optionalDuration(parseErrs, "STALE_PLAYING_AFTER")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if len(c.App.CORSOrigins) == 0 {
		c.App.CORSOrigins = []string{"*"}
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.LockTimeout <= 0 {
		c.DB.LockTimeout = 3 * time.Second
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Calls.MaxAttempts == 0 {
		c.Calls.MaxAttempts = 3
	}
	if c.Calls.MaxAttempts < 1 || c.Calls.MaxAttempts > 3 {
		errs = append(errs, fmt.Errorf("CALL_MAX_ATTEMPTS must be between 1 and 3, got %d", c.Calls.MaxAttempts))
	}
	if c.Calls.ExpiryWindow <= 0 {
		c.Calls.ExpiryWindow = 5 * time.Minute
	}
	if c.Calls.ExpiryPolicy == "" {
		c.Calls.ExpiryPolicy = "fixed"
	}
	if !oneOf(c.Calls.ExpiryPolicy, "fixed", "extend") {
		errs = append(errs, fmt.Errorf("CALL_EXPIRY_POLICY must be one of fixed, extend, got %q", c.Calls.ExpiryPolicy))
	}
	if c.Calls.FinishOutcome == "" {
		c.Calls.FinishOutcome = "called"
	}
	if !oneOf(c.Calls.FinishOutcome, "called", "waiting", "finished") {
		errs = append(errs, fmt.Errorf("CALL_FINISH_OUTCOME must be one of called, waiting, finished, got %q", c.Calls.FinishOutcome))
	}
	if c.Calls.SynthesisMode == "" {
		c.Calls.SynthesisMode = "outside"
	}
	if !oneOf(c.Calls.SynthesisMode, "outside", "inside") {
		errs = append(errs, fmt.Errorf("CLAIM_SYNTHESIS_MODE must be one of outside, inside, got %q", c.Calls.SynthesisMode))
	}

	if c.Dispatch.Interval <= 0 {
		c.Dispatch.Interval = 500 * time.Millisecond
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 4
	}
	if c.Dispatch.StreamBuffer <= 0 {
		c.Dispatch.StreamBuffer = 8
	}

	if c.Speech.Python == "" {
		c.Speech.Python = "python"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "pt-BR-AntonioNeural"
	}
	if c.Speech.Timeout <= 0 {
		c.Speech.Timeout = 30 * time.Second
	}
	if c.Speech.RequestsPerMinute <= 0 {
		c.Speech.RequestsPerMinute = 60
	}
	if c.Speech.MaxConcurrent <= 0 {
		c.Speech.MaxConcurrent = 2
	}
	if c.Speech.AudioDir == "" {
		c.Speech.AudioDir = "audios"
	}

	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = 5 * time.Minute
	}
	if c.Cleanup.AudioRetention <= 0 {
		c.Cleanup.AudioRetention = 5 * time.Minute
	}
	// StalePlayingAfter: negative disables, zero means default.
	if c.Cleanup.StalePlayingAfter == 0 {
		c.Cleanup.StalePlayingAfter = 2 * time.Minute
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func requiredInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func isValidEnv(v string) bool {
	return oneOf(v, "local", "dev", "staging", "production")
}

func isValidSSLMode(v string) bool {
	return oneOf(v, "disable", "require", "verify-ca", "verify-full")
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
