package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/averos/backstop/internal/models"
)

// Config holds the application configuration.
type Config struct {
	ServerPort     int
	DatabasePath   string
	ArtifactPath   string // Base path for backup artifacts
	TargetsPath    string // YAML file defining the protected targets
	JobTimeout     time.Duration
	HealthInterval time.Duration
	Staleness      time.Duration // How old the last success may be before the status metric drops to 0
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	jobTimeout, err := getDuration("JOB_TIMEOUT", "30m")
	if err != nil {
		return nil, err
	}
	healthInterval, err := getDuration("HEALTH_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}
	staleness, err := getDuration("HEALTH_STALENESS", "26h")
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerPort:     port,
		DatabasePath:   getEnv("DATABASE_PATH", "./backstop.db"),
		ArtifactPath:   getEnv("ARTIFACT_PATH", "./artifacts"),
		TargetsPath:    getEnv("TARGETS_PATH", "./targets.yaml"),
		JobTimeout:     jobTimeout,
		HealthInterval: healthInterval,
		Staleness:      staleness,
	}, nil
}

// yamlTarget mirrors models.Target with the retention window as a duration
// string ("720h", "30d" is not accepted by time.ParseDuration).
type yamlTarget struct {
	ID        string            `yaml:"id"`
	Kind      models.StoreKind  `yaml:"kind"`
	Conn      models.ConnParams `yaml:"connection"`
	Cadence   string            `yaml:"cadence"`
	Retention string            `yaml:"retention"`
}

type targetsFile struct {
	Targets []yamlTarget `yaml:"targets"`
}

// LoadTargets reads the targets file and returns the valid targets together
// with the per-target validation errors. A bad target is fatal only to its
// own registration; siblings load normally.
func LoadTargets(path string) ([]models.Target, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes and validates a targets document.
func ParseTargets(data []byte) ([]models.Target, []error, error) {
	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, models.WrapFailure(models.ErrConfiguration, "malformed targets file: %v", err)
	}

	var (
		targets []models.Target
		rejects []error
		seen    = make(map[string]bool)
	)
	for _, yt := range file.Targets {
		retention, err := time.ParseDuration(yt.Retention)
		if err != nil {
			rejects = append(rejects, models.WrapFailure(models.ErrConfiguration, "target %s: bad retention %q: %v", yt.ID, yt.Retention, err))
			continue
		}
		target := models.Target{ID: yt.ID, Kind: yt.Kind, Conn: yt.Conn, Cadence: yt.Cadence, Retention: retention}
		if err := target.Validate(); err != nil {
			rejects = append(rejects, err)
			continue
		}
		if seen[target.ID] {
			rejects = append(rejects, models.WrapFailure(models.ErrConfiguration, "duplicate target id %s", target.ID))
			continue
		}
		seen[target.ID] = true
		targets = append(targets, target)
	}
	return targets, rejects, nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
