package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var messagesYAML []byte

// Distance metrics understood by the vector store.
const (
	MetricL2Squared = "l2sq"
	MetricCosine    = "cosine"
)

type Config struct {
	Tagger   TaggerConfig
	Storage  StorageConfig
	Vision   VisionConfig
	Notify   NotifyConfig
	Database DatabaseConfig
	Web      WebConfig
	Messages Messages
}

type TaggerConfig struct {
	DescriptorDim    int
	Metric           string  // l2sq or cosine
	StrongThreshold  float64 // max distance accepted as "same identity"
	WeakThreshold    float64 // ambiguity gate for recognition, 0 disables it
	SnapshotInterval time.Duration
	HNSWMinSize      int // graph-accelerated k-NN once an index holds this many vectors, 0 disables it
}

type StorageConfig struct {
	DataDir           string
	MetaPath          string
	IdentityIndexPath string
	PhotoIndexPath    string
	PhotoDir          string
}

type VisionConfig struct {
	EmbeddingURL string        // defaults to http://localhost:8000
	Workers      int           // defaults to 1
	Timeout      time.Duration // per-photo extraction timeout
	QueueSize    int
}

type NotifyConfig struct {
	WebhookURL  string // empty means deliver through the in-process SSE hub
	MaxAttempts int
	BaseDelay   time.Duration
}

type DatabaseConfig struct {
	URL            string // PostgreSQL connection URL, enables the mirror
	MaxOpenConns   int
	MaxIdleConns   int
	MirrorInterval time.Duration
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // CORS whitelist in addition to localhost
	APIToken       string   // bearer token for /api/v1 except health; empty disables auth
}

// Messages holds the user-facing notification texts.
type Messages struct {
	Hello          string `yaml:"hello"`
	BadSelfie      string `yaml:"bad_selfie"`
	AuthFailed     string `yaml:"auth_failed"`
	AcceptedSelfie string `yaml:"accepted_selfie"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float. Invalid values fall back to the default.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration accepts Go duration syntax ("1s", "2m30s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadMessages parses notification texts. An empty path returns the embedded defaults,
// otherwise fields present in the file override them.
func LoadMessages(path string) (Messages, error) {
	var msgs Messages
	if err := yaml.Unmarshal(messagesYAML, &msgs); err != nil {
		return Messages{}, fmt.Errorf("parsing embedded messages: %w", err)
	}
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return Messages{}, fmt.Errorf("reading messages file: %w", err)
	}
	if err := yaml.Unmarshal(data, &msgs); err != nil {
		return Messages{}, fmt.Errorf("parsing messages file %s: %w", path, err)
	}
	return msgs, nil
}

// Load reads the configuration from the environment. It fails only when
// MESSAGES_PATH names a file that cannot be read or parsed.
func Load() (*Config, error) {
	msgs, err := LoadMessages(os.Getenv("MESSAGES_PATH"))
	if err != nil {
		return nil, fmt.Errorf("loading notification messages: %w", err)
	}

	dataDir := envString("DATA_DIR", "data")

	return &Config{
		Tagger: TaggerConfig{
			DescriptorDim:    envInt("DESCRIPTOR_DIM", 512),
			Metric:           envString("DISTANCE_METRIC", MetricL2Squared),
			StrongThreshold:  envFloat("STRONG_VERIFICATION_THRESHOLD", 1.0),
			WeakThreshold:    envFloat("WEAK_VERIFICATION_THRESHOLD", 0),
			SnapshotInterval: envDuration("SNAPSHOT_INTERVAL", time.Second),
			HNSWMinSize:      envInt("HNSW_MIN_SIZE", 0),
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			MetaPath:          envString("META_DB_PATH", filepath.Join(dataDir, "meta.json")),
			IdentityIndexPath: envString("IDENTITY_INDEX_PATH", filepath.Join(dataDir, "faces.idx")),
			PhotoIndexPath:    envString("PHOTO_INDEX_PATH", filepath.Join(dataDir, "photos.idx")),
			PhotoDir:          envString("PHOTO_DIR", filepath.Join(dataDir, "photos")),
		},
		Vision: VisionConfig{
			EmbeddingURL: os.Getenv("EMBEDDING_URL"),
			Workers:      envInt("VISION_WORKERS", 1),
			Timeout:      envDuration("VISION_TIMEOUT", 2*time.Minute),
			QueueSize:    envInt("TASK_QUEUE_SIZE", 1024),
		},
		Notify: NotifyConfig{
			WebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
			MaxAttempts: envInt("NOTIFY_MAX_ATTEMPTS", 10),
			BaseDelay:   envDuration("NOTIFY_BASE_DELAY", time.Second),
		},
		Database: DatabaseConfig{
			URL:            os.Getenv("DATABASE_URL"),
			MaxOpenConns:   envInt("DATABASE_MAX_OPEN_CONNS", 5),
			MaxIdleConns:   envInt("DATABASE_MAX_IDLE_CONNS", 2),
			MirrorInterval: envDuration("MIRROR_INTERVAL", time.Minute),
		},
		Web: WebConfig{
			Host: envString("WEB_HOST", "0.0.0.0"),
			Port: envInt("WEB_PORT", 8080),

			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
		},
		Messages: msgs,
	}, nil
}

// Validate checks the settings the identity pipeline cannot run without.
func (c *Config) Validate() error {
	t := c.Tagger
	if t.DescriptorDim <= 0 {
		return errors.New("DESCRIPTOR_DIM must be positive")
	}
	if t.Metric != MetricL2Squared && t.Metric != MetricCosine {
		return fmt.Errorf("unknown DISTANCE_METRIC %q (want %s or %s)", t.Metric, MetricL2Squared, MetricCosine)
	}
	if t.StrongThreshold <= 0 {
		return errors.New("STRONG_VERIFICATION_THRESHOLD must be positive")
	}
	if t.WeakThreshold != 0 && t.WeakThreshold <= t.StrongThreshold {
		return fmt.Errorf("WEAK_VERIFICATION_THRESHOLD (%g) must be greater than the strong threshold (%g)",
			t.WeakThreshold, t.StrongThreshold)
	}
	if c.Vision.Workers <= 0 {
		return errors.New("VISION_WORKERS must be positive")
	}
	if c.Storage.MetaPath == "" || c.Storage.IdentityIndexPath == "" || c.Storage.PhotoIndexPath == "" {
		return errors.New("snapshot paths must not be empty")
	}
	return nil
}
