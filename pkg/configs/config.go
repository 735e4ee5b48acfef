// Package configs loads the server configuration: defaults, then an
// optional yaml file, then environment variables on top.
package configs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid aborts startup; configuration problems are never
// retried at runtime.
var ErrInvalid = errors.New("invalid configuration")

// Duration parses "60s" / "5m" style values in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Port        int    `yaml:"port"`
	BaseURL     string `yaml:"baseUrl"`
	DatabaseURL string `yaml:"databaseUrl"`

	// URL executors reach the server at, for CI callbacks.
	ServerURL string `yaml:"serverUrl"`

	// secret signing worker assignment tokens.
	WorkerTokenSecret string `yaml:"workerTokenSecret"`

	Gitlab    GitlabConfig    `yaml:"gitlab"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Repo      RepoConfig      `yaml:"repo"`
}

type GitlabConfig struct {
	Domain        string `yaml:"domain"`
	Token         string `yaml:"token"`
	PackagesGroup string `yaml:"packagesGroup"`
	CIConfigPath  string `yaml:"ciConfigPath"`

	// true: dispatch builds to forge CI pipelines.
	// false: serve local workers over the long-poll endpoint.
	RunBuildsOnGitlab bool `yaml:"runBuildsOnGitlab"`
}

type SchedulerConfig struct {
	// upper bound on concurrently assigned builds per architecture.
	MaxAssignmentsPerArch int `yaml:"maxAssignmentsPerArch"`

	// how long a worker's assignment long-poll blocks before
	// returning empty.
	AssignmentLongPoll Duration `yaml:"assignmentLongPoll"`

	ReconcileInterval    Duration `yaml:"reconcileInterval"`
	ForgePollInterval    Duration `yaml:"forgePollInterval"`
	CIConfigInterval     Duration `yaml:"ciConfigInterval"`
	PipelinePollInterval Duration `yaml:"pipelinePollInterval"`
}

type MirrorConfig struct {
	Root              string `yaml:"root"`
	MetadataCacheSize int    `yaml:"metadataCacheSize"`
	WarmupParallel    int    `yaml:"warmupParallel"`
}

type RepoConfig struct {
	Root string `yaml:"root"`
}

func defaults() Config {
	return Config{
		Port:    8080,
		BaseURL: "http://localhost:8080",
		Scheduler: SchedulerConfig{
			MaxAssignmentsPerArch: 4,
			AssignmentLongPoll:    Duration(30 * time.Second),
			ReconcileInterval:     Duration(60 * time.Second),
			ForgePollInterval:     Duration(5 * time.Minute),
			CIConfigInterval:      Duration(10 * time.Minute),
			PipelinePollInterval:  Duration(30 * time.Second),
		},
		Mirror: MirrorConfig{
			Root:              "./source_repos",
			MetadataCacheSize: 16384,
			WarmupParallel:    50,
		},
		Repo: RepoConfig{
			Root: "./data/repos",
		},
	}
}

// Load reads the config file at path (skipped when path is empty) and
// overlays the environment.
func Load(path string) (Config, error) {
	conf := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(raw, &conf); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if err := overlayEnv(&conf); err != nil {
		return Config{}, err
	}

	if err := conf.validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func overlayEnv(conf *Config) error {
	if port, ok := os.LookupEnv("PORT"); ok {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: PORT: %w", ErrInvalid, err)
		}
		conf.Port = parsed
	}
	setString := func(env string, into *string) {
		if v, ok := os.LookupEnv(env); ok {
			*into = v
		}
	}
	setString("BASE_URL", &conf.BaseURL)
	setString("DATABASE_URL", &conf.DatabaseURL)
	setString("SERVER_URL", &conf.ServerURL)
	setString("WORKER_TOKEN_SECRET", &conf.WorkerTokenSecret)
	setString("GITLAB_TOKEN", &conf.Gitlab.Token)
	setString("GITLAB_DOMAIN", &conf.Gitlab.Domain)
	setString("GITLAB_PACKAGES_GROUP", &conf.Gitlab.PackagesGroup)
	setString("GITLAB_PACKAGES_CI_CONFIG", &conf.Gitlab.CIConfigPath)

	if v, ok := os.LookupEnv("RUN_BUILDS_ON_GITLAB"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RUN_BUILDS_ON_GITLAB: %w", ErrInvalid, err)
		}
		conf.Gitlab.RunBuildsOnGitlab = parsed
	}
	return nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", ErrInvalid)
	}
	if c.Gitlab.RunBuildsOnGitlab {
		if c.Gitlab.Domain == "" || c.Gitlab.Token == "" || c.Gitlab.PackagesGroup == "" {
			return fmt.Errorf(
				"%w: RUN_BUILDS_ON_GITLAB needs GITLAB_DOMAIN, GITLAB_TOKEN and GITLAB_PACKAGES_GROUP",
				ErrInvalid,
			)
		}
	}
	if c.Scheduler.MaxAssignmentsPerArch < 1 {
		return fmt.Errorf("%w: scheduler.maxAssignmentsPerArch must be at least 1", ErrInvalid)
	}
	return nil
}
