// SPDX-License-Identifier: MIT

// Package config loads and validates the declarative actor configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crucible-testbed/crucible/internal/errs"
)

// Actor types recognised in the actor section.
const (
	TypeOrchestrator = "orchestrator"
	TypeBroker       = "broker"
	TypeAuthority    = "authority"
)

// Config is the root of the declarative configuration file.
type Config struct {
	Runtime   RuntimeConfig     `yaml:"runtime"`
	Logging   LoggingConfig     `yaml:"logging,omitempty"`
	OAuth     OAuthConfig       `yaml:"oauth,omitempty"`
	Database  DatabaseConfig    `yaml:"database"`
	Container ContainerConfig   `yaml:"container"`
	Time      TimeConfig        `yaml:"time"`
	Neo4j     Neo4jConfig       `yaml:"neo4j,omitempty"`
	Actor     ActorConfig       `yaml:"actor"`
	Peers     []PeerConfig      `yaml:"peers,omitempty"`
	BQM       map[string]string `yaml:"bqm,omitempty"`
	PDP       map[string]string `yaml:"pdp,omitempty"`
}

// RuntimeConfig holds message-bus and RPC runtime settings.
type RuntimeConfig struct {
	BusServers        string `yaml:"bus-servers"`
	SchemaRegistry    string `yaml:"schema-registry,omitempty"`
	SecurityProtocol  string `yaml:"security-protocol,omitempty"`
	SASLUser          string `yaml:"sasl-user,omitempty"`
	SASLPassword      string `yaml:"sasl-password,omitempty"`
	SSLCALocation     string `yaml:"ssl-ca-location,omitempty"`
	GroupID           string `yaml:"group-id,omitempty"`
	RequestTimeoutMS  int    `yaml:"request-timeout-ms,omitempty"`
	RPCRequestTimeout int    `yaml:"rpc-request-timeout-s,omitempty"`
	// ManageListen is the management API address; empty disables it.
	ManageListen string `yaml:"manage-listen,omitempty"`
}

// LoggingConfig holds log sink settings.
type LoggingConfig struct {
	Directory  string `yaml:"log-directory,omitempty"`
	File       string `yaml:"log-file,omitempty"`
	Level      string `yaml:"log-level,omitempty"`
	Retain     int    `yaml:"log-retain,omitempty"`
	MaxSizeMB  int    `yaml:"log-size,omitempty"`
	LoggerName string `yaml:"logger,omitempty"`
}

// OAuthConfig holds token-verification settings.
type OAuthConfig struct {
	JWKSURL            string `yaml:"jwks-url,omitempty"`
	KeyRefreshInterval string `yaml:"key-refresh,omitempty"`
	VerifyExp          bool   `yaml:"verify-exp,omitempty"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	User     string `yaml:"db-user,omitempty"`
	Password string `yaml:"db-password,omitempty"`
	Name     string `yaml:"db-name"`
	Host     string `yaml:"db-host,omitempty"`
}

// ContainerConfig identifies the hosting container.
type ContainerConfig struct {
	GUID string `yaml:"guid"`
}

// TimeConfig parameterises the cycle clock.
type TimeConfig struct {
	// StartTime is milliseconds since the epoch; -1 means "now".
	StartTime   int64 `yaml:"start-time"`
	CycleMillis int64 `yaml:"cycle-millis"`
	Manual      bool  `yaml:"manual,omitempty"`
}

// Neo4jConfig holds graph-store settings for operators running an external
// property-graph database. The kernel itself never dials it.
type Neo4jConfig struct {
	URL           string `yaml:"url,omitempty"`
	User          string `yaml:"user,omitempty"`
	Password      string `yaml:"pass,omitempty"`
	ImportHostDir string `yaml:"import-host-dir,omitempty"`
	ImportDir     string `yaml:"import-dir,omitempty"`
}

// HandlerConfig names a substrate handler implementation.
type HandlerConfig struct {
	Module     string            `yaml:"module"`
	Class      string            `yaml:"class"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// ResourceConfig describes one resource type an authority exposes.
type ResourceConfig struct {
	Type    string        `yaml:"type"`
	Label   string        `yaml:"label,omitempty"`
	Units   int           `yaml:"units,omitempty"`
	Handler HandlerConfig `yaml:"handler"`
}

// ControlConfig names a policy resource control.
type ControlConfig struct {
	Module string `yaml:"module"`
	Class  string `yaml:"class"`
	Type   string `yaml:"type"`
}

// PolicyConfig names the policy module for the actor.
type PolicyConfig struct {
	Module     string            `yaml:"module,omitempty"`
	Class      string            `yaml:"class,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// ActorConfig describes the local actor.
type ActorConfig struct {
	Name          string           `yaml:"name"`
	GUID          string           `yaml:"guid"`
	Type          string           `yaml:"type"`
	KafkaTopic    string           `yaml:"kafka-topic"`
	Description   string           `yaml:"description,omitempty"`
	SubstrateFile string           `yaml:"substrate-file,omitempty"`
	Policy        PolicyConfig     `yaml:"policy,omitempty"`
	Resources     []ResourceConfig `yaml:"resources,omitempty"`
	Controls      []ControlConfig  `yaml:"controls,omitempty"`
}

// PeerConfig describes one remote actor.
type PeerConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	GUID       string `yaml:"guid"`
	KafkaTopic string `yaml:"kafka-topic"`
	// Delegation names the delegation a broker claims from this peer.
	Delegation string `yaml:"delegation,omitempty"`
}

// Defaults applied by Validate.
const (
	DefaultRequestTimeoutMS  = 120000
	DefaultRPCRequestTimeout = 900
	DefaultCycleMillis       = 1000
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes. Unknown keys are
// rejected so typos surface at boot instead of as silent defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects inconsistent configuration.
func (c *Config) Validate() error {
	if c.Runtime.RequestTimeoutMS <= 0 {
		c.Runtime.RequestTimeoutMS = DefaultRequestTimeoutMS
	}
	if c.Runtime.RPCRequestTimeout <= 0 {
		c.Runtime.RPCRequestTimeout = DefaultRPCRequestTimeout
	}
	if c.Time.CycleMillis <= 0 {
		c.Time.CycleMillis = DefaultCycleMillis
	}
	if c.Time.StartTime < -1 {
		return errs.New(errs.InvalidArgument, "time.start-time must be -1 or a millisecond timestamp, got %d", c.Time.StartTime)
	}

	if c.Actor.Name == "" {
		return errs.New(errs.InvalidArgument, "actor.name is required")
	}
	if c.Actor.GUID == "" {
		return errs.New(errs.InvalidArgument, "actor.guid is required")
	}
	switch c.Actor.Type {
	case TypeOrchestrator, TypeBroker, TypeAuthority:
	default:
		return errs.New(errs.InvalidArgument, "actor.type must be one of orchestrator, broker, authority; got %q", c.Actor.Type)
	}
	if c.Actor.KafkaTopic == "" {
		return errs.New(errs.InvalidArgument, "actor.kafka-topic is required")
	}
	if c.Container.GUID == "" {
		return errs.New(errs.InvalidArgument, "container.guid is required")
	}

	seen := make(map[string]struct{}, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" || p.GUID == "" || p.KafkaTopic == "" {
			return errs.New(errs.InvalidArgument, "peers[%d]: name, guid and kafka-topic are required", i)
		}
		switch p.Type {
		case TypeOrchestrator, TypeBroker, TypeAuthority:
		default:
			return errs.New(errs.InvalidArgument, "peers[%d]: unknown type %q", i, p.Type)
		}
		if _, dup := seen[p.GUID]; dup {
			return errs.New(errs.InvalidArgument, "peers[%d]: duplicate guid %s", i, p.GUID)
		}
		seen[p.GUID] = struct{}{}
	}
	return nil
}

// BusServersList splits the broker list on commas.
func (r RuntimeConfig) BusServersList() []string {
	var out []string
	for _, s := range strings.Split(r.BusServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// String renders a redacted summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf("actor=%s type=%s topic=%s peers=%d", c.Actor.Name, c.Actor.Type, c.Actor.KafkaTopic, len(c.Peers))
}
