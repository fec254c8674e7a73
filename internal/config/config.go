// Package config loads the service configuration from defaults, an
// optional YAML file, a .env file and VIGIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vigil/internal/api"
	"vigil/internal/auth"
	"vigil/internal/camera"
	"vigil/internal/capture"
	"vigil/internal/database"
	"vigil/internal/detection"
	"vigil/internal/evidence"
	"vigil/internal/identity"
	"vigil/internal/logging"
	"vigil/internal/notify"
	"vigil/internal/pipeline"
	"vigil/internal/publish"
	"vigil/internal/telegram"
	"vigil/internal/tracking"
)

const envPrefix = "VIGIL"

var ErrInvalidConfig = errors.New("invalid configuration")

// IdentityConfig configures the identity index
type IdentityConfig struct {
	Threshold      float64       `mapstructure:"threshold"`       // match when distance is strictly below
	ReloadInterval time.Duration `mapstructure:"reload_interval"` // 0 disables periodic reloads
}

// AlertConfig configures the alert gate
type AlertConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// BufferConfig configures the recent event buffer
type BufferConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// Config is the full service configuration
type Config struct {
	Log      logging.Config           `mapstructure:"log"`
	HTTP     api.Config               `mapstructure:"http"`
	Auth     auth.Config              `mapstructure:"auth"`
	Database database.Config          `mapstructure:"database"`
	Pipeline pipeline.Config          `mapstructure:"pipeline"`
	Tracking tracking.Config          `mapstructure:"tracking"`
	Identity IdentityConfig           `mapstructure:"identity"`
	Alert    AlertConfig              `mapstructure:"alert"`
	Buffer   BufferConfig             `mapstructure:"buffer"`
	Capture  capture.Config           `mapstructure:"capture"`
	Detector detection.YOLOConfig     `mapstructure:"detector"`
	Embedder detection.EmbedderConfig `mapstructure:"embedder"`
	Evidence evidence.Config          `mapstructure:"evidence"`
	Telegram telegram.Config          `mapstructure:"telegram"`
	Speech   notify.SpeechConfig      `mapstructure:"speech"`
	MQTT     publish.MQTTConfig       `mapstructure:"mqtt"`
	Kafka    publish.KafkaConfig      `mapstructure:"kafka"`

	// Cameras declared inline. When CamerasFile is set the registry file is
	// used instead and rewritten by the control API.
	Cameras     []camera.Camera `mapstructure:"cameras"`
	CamerasFile string          `mapstructure:"cameras_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.debug", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", 24*time.Hour)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/vigil.db")

	p := pipeline.DefaultConfig()
	v.SetDefault("pipeline.stride", p.Stride)
	v.SetDefault("pipeline.person_class", p.PersonClass)
	v.SetDefault("pipeline.confidence_floor", p.ConfidenceFloor)
	v.SetDefault("pipeline.head_fraction", p.HeadFraction)
	v.SetDefault("pipeline.min_region_side", p.MinRegionSide)
	v.SetDefault("pipeline.frame_timeout", p.FrameTimeout)
	v.SetDefault("pipeline.max_pending", p.MaxPending)
	v.SetDefault("pipeline.alert_queue", p.AlertQueue)
	v.SetDefault("pipeline.notify_timeout", p.NotifyTimeout)
	v.SetDefault("pipeline.summary_interval", p.SummaryInterval)
	v.SetDefault("pipeline.cooldown_max_age", p.CooldownMaxAge)
	v.SetDefault("pipeline.reconnect.retry_delay", p.Reconnect.RetryDelay)
	v.SetDefault("pipeline.reconnect.max_retry_delay", p.Reconnect.MaxRetryDelay)
	v.SetDefault("pipeline.reconnect.degraded_after", p.Reconnect.DegradedAfter)

	t := tracking.DefaultConfig()
	v.SetDefault("tracking.backend", t.Backend)
	v.SetDefault("tracking.fallback", t.Fallback)
	v.SetDefault("tracking.max_age", t.MaxAge)
	v.SetDefault("tracking.min_hits", t.MinHits)
	v.SetDefault("tracking.iou_threshold", t.IoUThreshold)
	v.SetDefault("tracking.high_threshold", t.HighThresh)
	v.SetDefault("tracking.low_threshold", t.LowThresh)

	v.SetDefault("identity.threshold", identity.DefaultThreshold)
	v.SetDefault("identity.reload_interval", 0)
	v.SetDefault("alert.cooldown", 8*time.Second)
	v.SetDefault("buffer.window", 30*time.Second)

	c := capture.DefaultConfig()
	v.SetDefault("capture.backend", c.Backend)
	v.SetDefault("capture.ffmpeg_path", c.FFmpegPath)
	v.SetDefault("capture.fps", c.FPS)
	v.SetDefault("capture.width", c.Width)
	v.SetDefault("capture.height", c.Height)

	v.SetDefault("detector.endpoint", "http://localhost:8081")
	v.SetDefault("detector.conf_threshold", 0.35)
	v.SetDefault("detector.timeout", 5*time.Second)

	v.SetDefault("embedder.transport", "http")
	v.SetDefault("embedder.endpoint", "http://localhost:8082")
	v.SetDefault("embedder.timeout", 5*time.Second)
	v.SetDefault("embedder.dimension", 128)

	v.SetDefault("evidence.mode", string(pipeline.EvidenceAlert))
	v.SetDefault("evidence.store", "local")
	v.SetDefault("evidence.dir", "data/evidence")
	v.SetDefault("evidence.minio.endpoint", "")
	v.SetDefault("evidence.minio.access_key", "")
	v.SetDefault("evidence.minio.secret_key", "")
	v.SetDefault("evidence.minio.use_tls", false)
	v.SetDefault("evidence.minio.bucket", "vigil-evidence")
	v.SetDefault("evidence.minio.prefix", "evidence")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 15*time.Second)
	v.SetDefault("telegram.location", "Local")

	v.SetDefault("speech.enabled", false)
	v.SetDefault("speech.command", []string{"espeak"})
	v.SetDefault("speech.message", "Alert: unknown person on camera %s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "vigil")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "vigil")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.publish_timeout", 2*time.Second)
	v.SetDefault("mqtt.queue_size", 256)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vigil.events")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.flush_every", time.Second)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("kafka.required_acks", "one")
	v.SetDefault("kafka.queue_size", 256)

	v.SetDefault("cameras_file", "")
}

// Load reads the configuration. path may be empty, in which case
// vigil.yaml is looked up in the working directory and /etc/vigil.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("vigil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vigil")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Pipeline.Evidence = cfg.Evidence.Mode

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads path into the environment when it exists. Variables
// already set win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		fail("database.driver %q must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		fail("database.dsn is required")
	}

	if c.Pipeline.Stride < 1 {
		fail("pipeline.stride must be at least 1")
	}
	if c.Pipeline.HeadFraction <= 0 || c.Pipeline.HeadFraction > 1 {
		fail("pipeline.head_fraction must be in (0,1]")
	}
	switch c.Evidence.Mode {
	case pipeline.EvidenceOff, pipeline.EvidenceAlert, pipeline.EvidenceAlways:
	default:
		fail("evidence.mode %q must be off, alert or always", c.Evidence.Mode)
	}
	if c.Evidence.Mode != pipeline.EvidenceOff && c.Evidence.Store == "minio" && c.Evidence.Minio.Endpoint == "" {
		fail("evidence.minio.endpoint is required for the minio store")
	}

	if c.Tracking.Backend == "" {
		fail("tracking.backend is required")
	}
	if c.Identity.Threshold <= 0 {
		fail("identity.threshold must be positive")
	}
	if c.Alert.Cooldown <= 0 {
		fail("alert.cooldown must be positive")
	}
	if c.Buffer.Window <= 0 {
		fail("buffer.window must be positive")
	}

	switch c.Embedder.Transport {
	case "http", "grpc":
	default:
		fail("embedder.transport %q must be http or grpc", c.Embedder.Transport)
	}
	if c.Detector.Endpoint == "" {
		fail("detector.endpoint is required")
	}
	if c.Embedder.Endpoint == "" {
		fail("embedder.endpoint is required")
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		fail("telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}
	if c.Speech.Enabled && len(c.Speech.Command) == 0 {
		fail("speech.command is required when speech is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		fail("mqtt.broker is required when mqtt is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		fail("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		fail("auth.password is required when auth is enabled")
	}

	if len(c.Cameras) > 0 && c.CamerasFile != "" {
		fail("declare cameras inline or in cameras_file, not both")
	}
	if _, err := camera.NewRegistry(c.Cameras); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	return errors.Join(errs...)
}

// CameraRegistry builds the camera registry from the inline list or the
// registry file.
func (c *Config) CameraRegistry() (*camera.Registry, error) {
	if c.CamerasFile != "" {
		return camera.LoadRegistry(c.CamerasFile)
	}
	return camera.NewRegistry(c.Cameras)
}
