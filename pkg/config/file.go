package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the configuration file of the rulenode binary.
type File struct {
	NATS       NATS       `yaml:"nats"`
	Tracing    Tracing    `yaml:"tracing"`
	Sentry     Sentry     `yaml:"sentry"`
	DeadLetter DeadLetter `yaml:"deadLetter"`
	Nodes      []NodeSpec `yaml:"nodes" validate:"required,min=1,dive"`
}

// NATS configures the broker connection.
type NATS struct {
	URL           string        `yaml:"url" default:"nats://localhost:4222" validate:"required"`
	Name          string        `yaml:"name" default:"rulenode"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	MaxReconnects int           `yaml:"maxReconnects" default:"10"`
	ReconnectWait time.Duration `yaml:"reconnectWait" default:"2s"`
	Timeout       time.Duration `yaml:"timeout" default:"5s"`

	// JetStream publishes lifecycle events through JetStream so that their
	// acknowledgement is the stream's publish ack.
	JetStream bool `yaml:"jetStream"`
}

// Tracing configures the OTLP exporter. Tracing is off unless Enabled.
type Tracing struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName" default:"rulenode"`
	Environment  string  `yaml:"environment" default:"development"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" default:"127.0.0.1:4318"`
	SampleRatio  float64 `yaml:"sampleRatio" default:"1" validate:"gte=0,lte=1"`
}

// Sentry configures error capture. It is off while DSN is empty.
type Sentry struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment" default:"development"`
	SampleRate  float64 `yaml:"sampleRate" default:"1" validate:"gte=0,lte=1"`
}

// DeadLetter configures uploading failed items to blob storage. It is off
// while ConnectionString is empty.
type DeadLetter struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container" default:"dead-letters"`
}

// NodeSpec binds a node configuration to its NATS subjects.
type NodeSpec struct {
	RuleNodeConfig `yaml:",inline"`

	Input  string `yaml:"input" validate:"required"`
	Output string `yaml:"output" validate:"required"`
	Events string `yaml:"events"`
	Errors string `yaml:"errors"`
	Queue  string `yaml:"queue"`

	// Workers bounds concurrently processed items. Zero picks a default
	// from the environment.
	Workers int `yaml:"workers" validate:"min=0"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	for i := range f.Nodes {
		if err := applyDefaults(&f.Nodes[i]); err != nil {
			return nil, err
		}
	}
	if err := Prepare(&f); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	return &f, nil
}
