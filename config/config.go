// Package config loads application settings: YAML file, optional .env file and PPEWATCH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/LdDl/ppe-watch/store/kafkasink"
	"github.com/LdDl/ppe-watch/store/mqttsink"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix of environment overrides
const EnvPrefix = "PPEWATCH_"

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Violation ViolationConfig `yaml:"violation"`
	Registry  RegistryConfig  `yaml:"registry"`
	Identity  IdentityConfig  `yaml:"identity"`
	Inference InferenceConfig `yaml:"inference"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// Debug turns gin into debug mode
	Debug bool `yaml:"debug"`
}

// CameraConfig describes single camera. Source is a file, directory of frames, stream URL or device index
type CameraConfig struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	Source   string `yaml:"source"`
	Fallback string `yaml:"fallback"`
}

type PipelineConfig struct {
	FrameInterval   time.Duration `yaml:"frame_interval"`
	RawQueue        int           `yaml:"raw_queue"`
	ProcessedQueue  int           `yaml:"processed_queue"`
	GetTimeout      time.Duration `yaml:"get_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	JPEGQuality     int           `yaml:"jpeg_quality"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
}

type TrackerConfig struct {
	MaxAge       int     `yaml:"max_age"`
	MinHits      int     `yaml:"min_hits"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	// Algorithm is "hungarian" or "greedy"
	Algorithm string `yaml:"algorithm"`
}

type ViolationConfig struct {
	WindowSize    int           `yaml:"window_size"`
	Threshold     float64       `yaml:"threshold"`
	CheckingRatio float64       `yaml:"checking_ratio"`
	Cooldown      time.Duration `yaml:"cooldown"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

type RegistryConfig struct {
	RecentWindow  time.Duration `yaml:"recent_window"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type IdentityConfig struct {
	Threshold   float64 `yaml:"threshold"`
	GalleryJSON string  `yaml:"gallery_json"`
	GalleryDir  string  `yaml:"gallery_dir"`
}

type InferenceConfig struct {
	DetectURL string        `yaml:"detect_url"`
	EmbedURL  string        `yaml:"embed_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	// SQLitePath empty means in-memory store
	SQLitePath string `yaml:"sqlite_path"`
	QueueSize  int    `yaml:"queue_size"`
	Workers    int    `yaml:"workers"`
}

type KafkaConfig struct {
	Enabled          bool `yaml:"enabled"`
	kafkasink.Config `yaml:",inline"`
}

type MQTTConfig struct {
	Enabled         bool `yaml:"enabled"`
	mqttsink.Config `yaml:",inline"`
}

// Default returns configuration with every default value set
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8000"},
		Pipeline: PipelineConfig{
			FrameInterval:   33 * time.Millisecond,
			RawQueue:        5,
			ProcessedQueue:  5,
			GetTimeout:      time.Second,
			StopTimeout:     5 * time.Second,
			ConfidenceFloor: 0.5,
			JPEGQuality:     85,
			StreamTimeout:   time.Second,
		},
		Tracker: TrackerConfig{
			MaxAge:       40,
			MinHits:      1,
			IoUThreshold: 0.3,
			Algorithm:    "hungarian",
		},
		Violation: ViolationConfig{
			WindowSize:    10,
			Threshold:     0.9,
			CheckingRatio: 0.5,
			Cooldown:      30 * time.Second,
			StaleAfter:    30 * time.Second,
		},
		Registry: RegistryConfig{
			RecentWindow:  5 * time.Second,
			TTL:           10 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Identity: IdentityConfig{
			Threshold: 0.5,
		},
		Inference: InferenceConfig{
			Timeout: 5 * time.Second,
		},
		Store: StoreConfig{
			QueueSize: 256,
			Workers:   4,
		},
		Kafka: KafkaConfig{
			Config: kafkasink.Config{Topic: "ppe-violations", Acks: "all"},
		},
		MQTT: MQTTConfig{
			Config: mqttsink.Config{ClientID: "ppewatch", TopicPrefix: "ppewatch/violations", QoS: 1},
		},
	}
}

// Load reads YAML file on top of defaults, then .env file (when exists) and environment overrides.
// Empty path skips YAML file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "Can't read config '%s'", path)
		}
		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			return cfg, errors.Wrapf(err, "Can't parse config '%s'", path)
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return cfg, errors.Wrapf(err, "Can't load env file '%s'", envFile)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvBool("LOG_PRETTY", cfg.Log.Pretty)
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Inference.DetectURL = getEnv("DETECT_URL", cfg.Inference.DetectURL)
	cfg.Inference.EmbedURL = getEnv("EMBED_URL", cfg.Inference.EmbedURL)
	cfg.Identity.GalleryJSON = getEnv("GALLERY_JSON", cfg.Identity.GalleryJSON)
	cfg.Identity.GalleryDir = getEnv("GALLERY_DIR", cfg.Identity.GalleryDir)
	cfg.Store.SQLitePath = getEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.Workers = getEnvInt("PERSIST_WORKERS", cfg.Store.Workers)
	cfg.Store.QueueSize = getEnvInt("PERSIST_QUEUE", cfg.Store.QueueSize)
	cfg.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.BootstrapServers = getEnv("KAFKA_BOOTSTRAP_SERVERS", cfg.Kafka.BootstrapServers)
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.SASLUsername = getEnv("KAFKA_SASL_USERNAME", cfg.Kafka.SASLUsername)
	cfg.Kafka.SASLPassword = getEnv("KAFKA_SASL_PASSWORD", cfg.Kafka.SASLPassword)
	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
}

// Validate rejects impossible values
func (cfg Config) Validate() error {
	problems := make([]string, 0)
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	seen := make(map[int]struct{}, len(cfg.Cameras))
	for i, cam := range cfg.Cameras {
		if _, ok := seen[cam.ID]; ok {
			add("duplicate camera id %d", cam.ID)
		}
		seen[cam.ID] = struct{}{}
		if cam.Source == "" {
			add("camera #%d (id %d) has no source", i, cam.ID)
		}
	}
	if cfg.Pipeline.FrameInterval <= 0 {
		add("pipeline.frame_interval must be positive")
	}
	if cfg.Pipeline.RawQueue < 1 || cfg.Pipeline.ProcessedQueue < 1 {
		add("pipeline queues must hold at least one frame")
	}
	if cfg.Pipeline.GetTimeout <= 0 || cfg.Pipeline.StopTimeout <= 0 || cfg.Pipeline.StreamTimeout <= 0 {
		add("pipeline timeouts must be positive")
	}
	if !inUnit(cfg.Pipeline.ConfidenceFloor) {
		add("pipeline.confidence_floor must be in [0, 1]")
	}
	if cfg.Pipeline.JPEGQuality < 1 || cfg.Pipeline.JPEGQuality > 100 {
		add("pipeline.jpeg_quality must be in [1, 100]")
	}
	if cfg.Tracker.MaxAge < 0 || cfg.Tracker.MinHits < 1 {
		add("tracker.max_age must be >= 0 and tracker.min_hits >= 1")
	}
	if !inUnit(cfg.Tracker.IoUThreshold) {
		add("tracker.iou_threshold must be in [0, 1]")
	}
	switch strings.ToLower(cfg.Tracker.Algorithm) {
	case "hungarian", "greedy":
	default:
		add("tracker.algorithm must be 'hungarian' or 'greedy', got '%s'", cfg.Tracker.Algorithm)
	}
	if cfg.Violation.WindowSize < 1 {
		add("violation.window_size must be >= 1")
	}
	if !inUnit(cfg.Violation.Threshold) || !inUnit(cfg.Violation.CheckingRatio) {
		add("violation thresholds must be in [0, 1]")
	}
	if cfg.Violation.Cooldown <= 0 || cfg.Violation.StaleAfter <= 0 {
		add("violation durations must be positive")
	}
	if cfg.Registry.RecentWindow <= 0 || cfg.Registry.TTL <= 0 || cfg.Registry.SweepInterval <= 0 {
		add("registry durations must be positive")
	}
	if !inUnit(cfg.Identity.Threshold) {
		add("identity.threshold must be in [0, 1]")
	}
	if cfg.Store.QueueSize < 1 || cfg.Store.Workers < 1 {
		add("store.queue_size and store.workers must be >= 1")
	}
	if cfg.Kafka.Enabled && (cfg.Kafka.BootstrapServers == "" || cfg.Kafka.Topic == "") {
		add("kafka requires bootstrap_servers and topic")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		add("mqtt requires broker")
	}
	if len(problems) > 0 {
		return errors.Errorf("Invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(EnvPrefix + key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}
