package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tasklab/foreman/pkg/errdef"
)

// Config is the merged configuration for a Foreman instance. Zero values are
// filled in from Default before use, so a partial YAML file is enough.
type Config struct {
	DataDir string `yaml:"dataDir"`

	Log struct {
		Level      string `yaml:"level"`
		JSONOutput bool   `yaml:"jsonOutput"`
	} `yaml:"log"`

	Storage struct {
		Backend string `yaml:"backend"` // "file" or "bolt"
	} `yaml:"storage"`

	Transport TransportConfig `yaml:"transport"`

	Security struct {
		Mode               string   `yaml:"mode"` // "strict" or "permissive"
		AllowedDirectories []string `yaml:"allowedDirectories"`
		AllowSymlinks      bool     `yaml:"allowSymlinks"`
		AllowedExtensions  []string `yaml:"allowedExtensions"`
	} `yaml:"security"`

	Orchestrator struct {
		Strategy                 string  `yaml:"strategy"`
		Weights                  Weights `yaml:"weights"`
		MaxTasksPerAgent         int     `yaml:"maxTasksPerAgent"`
		WorkloadBalanceThreshold float64 `yaml:"workloadBalanceThreshold"`
		MaxPendingExecutions     int     `yaml:"maxPendingExecutions"`
	} `yaml:"orchestrator"`

	Job struct {
		PollMinInterval time.Duration `yaml:"pollMinInterval"`
		PollMaxInterval time.Duration `yaml:"pollMaxInterval"`
		Retention       time.Duration `yaml:"retention"`
	} `yaml:"job"`

	Cache struct {
		Enabled bool          `yaml:"enabled"`
		MaxSize int           `yaml:"maxSize"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Decomposition struct {
		ChunkSize           int     `yaml:"chunkSize"`
		AtomicHourCeiling   float64 `yaml:"atomicHourCeiling"`
		ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
		WorkerPoolSize      int     `yaml:"workerPoolSize"`
	} `yaml:"decomposition"`

	LLM struct {
		Endpoint  string `yaml:"endpoint"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"apiKeyEnv"`
	} `yaml:"llm"`

	Agent struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
		SweepInterval    time.Duration `yaml:"sweepInterval"`
		BacklogFactor    int           `yaml:"backlogFactor"`
	} `yaml:"agent"`

	Timeouts struct {
		Storage       time.Duration `yaml:"storage"`
		Lock          time.Duration `yaml:"lock"`
		LLM           time.Duration `yaml:"llm"`
		TaskExecution time.Duration `yaml:"taskExecution"`
	} `yaml:"timeouts"`
}

// TransportConfig selects which channels are bound and where.
type TransportConfig struct {
	HTTP      HTTPTransportConfig  `yaml:"http"`
	WebSocket WSTransportConfig    `yaml:"websocket"`
	SSE       SSETransportConfig   `yaml:"sse"`
	Stdio     StdioTransportConfig `yaml:"stdio"`
}

type HTTPTransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	CORS    bool   `yaml:"cors"`
	Addr    string `yaml:"addr"`
}

type WSTransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type SSETransportConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StdioTransportConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Weights tune agent scoring in the orchestrator.
type Weights struct {
	Capability   float64 `yaml:"capability"`
	Performance  float64 `yaml:"performance"`
	Availability float64 `yaml:"availability"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "data"
	cfg.Log.Level = "info"
	cfg.Storage.Backend = "file"

	cfg.Transport.HTTP.Enabled = true
	cfg.Transport.HTTP.Port = 3001
	cfg.Transport.WebSocket.Enabled = true
	cfg.Transport.WebSocket.Port = 3002
	cfg.Transport.WebSocket.Path = "/ws"
	cfg.Transport.SSE.Enabled = true
	cfg.Transport.Stdio.Enabled = false

	cfg.Security.Mode = "strict"
	cfg.Security.AllowSymlinks = false

	cfg.Orchestrator.Strategy = "intelligent_hybrid"
	cfg.Orchestrator.Weights = Weights{Capability: 0.4, Performance: 0.3, Availability: 0.3}
	cfg.Orchestrator.MaxTasksPerAgent = 3
	cfg.Orchestrator.WorkloadBalanceThreshold = 0.5
	cfg.Orchestrator.MaxPendingExecutions = 256

	cfg.Job.PollMinInterval = 1 * time.Second
	cfg.Job.PollMaxInterval = 5 * time.Second
	cfg.Job.Retention = 30 * time.Minute

	cfg.Cache.Enabled = true
	cfg.Cache.MaxSize = 1024
	cfg.Cache.TTL = 5 * time.Minute

	cfg.Decomposition.ChunkSize = 40
	cfg.Decomposition.AtomicHourCeiling = 4
	cfg.Decomposition.ConfidenceThreshold = 0.7
	cfg.Decomposition.WorkerPoolSize = 4

	cfg.LLM.APIKeyEnv = "FOREMAN_LLM_API_KEY"

	cfg.Agent.HeartbeatTimeout = 90 * time.Second
	cfg.Agent.SweepInterval = 15 * time.Second
	cfg.Agent.BacklogFactor = 3

	cfg.Timeouts.Storage = 5 * time.Second
	cfg.Timeouts.Lock = 10 * time.Second
	cfg.Timeouts.LLM = 120 * time.Second
	cfg.Timeouts.TaskExecution = 30 * time.Minute

	return cfg
}

// Load reads a YAML file and merges it over defaults. A missing path returns
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errdef.Wrap(errdef.KindStorageFailure, err, "reading config %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdef.Wrap(errdef.KindValidation, err, "parsing config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "bolt", "memory":
	default:
		return errdef.New(errdef.KindValidation, "unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Security.Mode {
	case "strict", "permissive":
	default:
		return errdef.New(errdef.KindValidation, "security.mode must be strict or permissive, got %q", c.Security.Mode)
	}

	switch c.Orchestrator.Strategy {
	case "round_robin", "least_loaded", "capability_first", "intelligent_hybrid":
	default:
		return errdef.New(errdef.KindValidation, "unknown orchestrator strategy %q", c.Orchestrator.Strategy)
	}

	if t := c.Orchestrator.WorkloadBalanceThreshold; t <= 0 || t > 1 {
		return errdef.New(errdef.KindValidation, "workloadBalanceThreshold must be in (0,1], got %v", t)
	}

	if c.Job.PollMinInterval > c.Job.PollMaxInterval {
		return errdef.New(errdef.KindValidation, "job.pollMinInterval %v exceeds pollMaxInterval %v",
			c.Job.PollMinInterval, c.Job.PollMaxInterval)
	}

	if c.Transport.HTTP.Enabled && c.Transport.WebSocket.Enabled &&
		c.Transport.HTTP.Port == c.Transport.WebSocket.Port {
		return errdef.New(errdef.KindValidation, "http and websocket transports share port %d", c.Transport.HTTP.Port)
	}

	return nil
}

// String renders a short human-readable summary for the status command.
func (c *Config) String() string {
	return fmt.Sprintf("storage=%s http=%d ws=%d strategy=%s",
		c.Storage.Backend, c.Transport.HTTP.Port, c.Transport.WebSocket.Port, c.Orchestrator.Strategy)
}
