package config

import (
	"fmt"
	"io"
	"time"

	"github.com/diwise/context-cache/pkg/types"
	yaml "gopkg.in/yaml.v2"
)

type EvictionInfo struct {
	KeepLast          int  `yaml:"keepLast"`
	OnFreshnessChange bool `yaml:"onFreshnessChange"`
}

type AssociationInfo struct {
	Name         string            `yaml:"name"`
	Eager        bool              `yaml:"eager"`
	IDField      string            `yaml:"idField"`
	Requires     []string          `yaml:"requires"`
	Stale        []string          `yaml:"stale"`
	Eviction     EvictionInfo      `yaml:"eviction"`
	Associations []AssociationInfo `yaml:"associations"`
}

type ResourceConfig struct {
	Name         string            `yaml:"name"`
	IDField      string            `yaml:"idField"`
	Requires     []string          `yaml:"requires"`
	Stale        []string          `yaml:"stale"`
	Eviction     EvictionInfo      `yaml:"eviction"`
	Associations []AssociationInfo `yaml:"associations"`
}

// EagerAssociations returns the relations that are fetched right after the
// resource itself, in declaration order
func (rc *ResourceConfig) EagerAssociations() []string {
	eager := []string{}
	for _, a := range rc.Associations {
		if a.Eager {
			eager = append(eager, a.Name)
		}
	}
	return eager
}

type WebsocketInfo struct {
	Endpoint         string `yaml:"endpoint"`
	ReconnectTimeout string `yaml:"reconnectTimeout"`
	ReadTimeout      string `yaml:"readTimeout"`
}

type PushConfig struct {
	QueueSize int           `yaml:"queueSize"`
	Websocket WebsocketInfo `yaml:"websocket"`
}

type Config struct {
	BaseURL      string            `yaml:"baseURL"`
	Tenant       string            `yaml:"tenant"`
	TenantHeader string            `yaml:"tenantHeader"`
	Routes       map[string]string `yaml:"routes"`
	Resources    []ResourceConfig  `yaml:"resources"`
	Push         PushConfig        `yaml:"push"`
}

func (c *Config) Resource(name string) (*ResourceConfig, bool) {
	for idx := range c.Resources {
		if c.Resources[idx].Name == name {
			return &c.Resources[idx], true
		}
	}
	return nil, false
}

// Duration parses a configured duration, falling back to def when it is left out
func Duration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.TenantHeader == "" {
		cfg.TenantHeader = types.DefaultTenantHeader
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	seen := map[string]struct{}{}

	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resource without a name")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("resource %s is configured more than once", r.Name)
		}
		seen[r.Name] = struct{}{}

		if err := validateAssociations(r.Name, r.Associations); err != nil {
			return err
		}
	}

	return nil
}

func validateAssociations(owner string, associations []AssociationInfo) error {
	seen := map[string]struct{}{}

	for _, a := range associations {
		if a.Name == "" {
			return fmt.Errorf("association without a name in %s", owner)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("association %s is declared more than once in %s", a.Name, owner)
		}
		seen[a.Name] = struct{}{}

		if err := validateAssociations(owner+"."+a.Name, a.Associations); err != nil {
			return err
		}
	}

	return nil
}
