package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planbox.yml.
type Config struct {
	Tracker struct {
		OrgURL     string `yaml:"org_url"`
		Project    string `yaml:"project"`
		APIVersion string `yaml:"api_version"`
	} `yaml:"tracker"`
	Paths struct {
		Policy     string `yaml:"policy"`
		Capability string `yaml:"capability"`
		Outbox     string `yaml:"outbox"`
		Audit      string `yaml:"audit"`
	} `yaml:"paths"`
	Capability struct {
		MaxAge Duration `yaml:"max_age"`
	} `yaml:"capability"`
	Defaults struct {
		Project LocationDefaults            `yaml:"project"`
		Teams   map[string]LocationDefaults `yaml:"teams"`
	} `yaml:"defaults"`
}

// LocationDefaults are fallback area/iteration values applied when a
// bundle does not supply explicit location fields.
type LocationDefaults struct {
	AreaPath      string `yaml:"area_path"`
	IterationPath string `yaml:"iteration_path"`
}

// Duration wraps time.Duration so YAML values like "168h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planbox.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pbx init", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Tracker.APIVersion == "" {
		c.Tracker.APIVersion = "7.0"
	}
	if c.Paths.Policy == "" {
		c.Paths.Policy = filepath.Join("config", "policy")
	}
	if c.Paths.Capability == "" {
		c.Paths.Capability = filepath.Join("config", "capability")
	}
	if c.Paths.Outbox == "" {
		c.Paths.Outbox = "outbox"
	}
	if c.Paths.Audit == "" {
		c.Paths.Audit = "audit"
	}
	if c.Capability.MaxAge == 0 {
		c.Capability.MaxAge = Duration(7 * 24 * time.Hour)
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tracker.OrgURL == "" {
		return fmt.Errorf("config.tracker.org_url is required")
	}
	if c.Tracker.Project == "" {
		return fmt.Errorf("config.tracker.project is required")
	}
	if c.Capability.MaxAge < 0 {
		return fmt.Errorf("config.capability.max_age must not be negative")
	}
	for team, d := range c.Defaults.Teams {
		if team == "" {
			return fmt.Errorf("config.defaults.teams contains empty team name")
		}
		if d.AreaPath == "" && d.IterationPath == "" {
			return fmt.Errorf("team %s default declares neither area_path nor iteration_path", team)
		}
	}
	return nil
}

// TeamDefaults returns location defaults for a team, falling back to the
// project-scoped defaults for any value the team does not override.
func (c *Config) TeamDefaults(team string) LocationDefaults {
	d := c.Defaults.Project
	if team == "" {
		return d
	}
	td, ok := c.Defaults.Teams[team]
	if !ok {
		return d
	}
	if td.AreaPath != "" {
		d.AreaPath = td.AreaPath
	}
	if td.IterationPath != "" {
		d.IterationPath = td.IterationPath
	}
	return d
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgURL, project string) string {
	return fmt.Sprintf(defaultTemplate, orgURL, project)
}

const defaultTemplate = `tracker:
  org_url: %s
  project: %s
  api_version: "7.0"

paths:
  policy: config/policy
  capability: config/capability
  outbox: outbox
  audit: audit

capability:
  max_age: 168h

defaults:
  project:
    area_path: ""
    iteration_path: ""
  teams: {}
`
