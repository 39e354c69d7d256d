package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cowork-ai/cowork/pkg/workforce"
)

// Settings is the optional YAML settings file. Everything in it has a
// working default; the file exists so deployments can extend the agent
// roster and tune the workforce without rebuilding.
type Settings struct {
	// Agents extends or replaces the built-in roster, matched by
	// case-insensitive name.
	Agents []AgentSettings `yaml:"agents"`

	// Workforce tunables. Zero values mean "keep the default".
	Workforce WorkforceSettings `yaml:"workforce"`
}

// AgentSettings is one custom agent profile.
type AgentSettings struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	AgentID      string   `yaml:"agent_id"`
}

// WorkforceSettings tunes the scheduler.
type WorkforceSettings struct {
	Concurrency int `yaml:"concurrency"`
	RetryLimit  int `yaml:"retry_limit"`
}

// LoadSettings parses the settings file. An empty path returns empty
// settings; a missing file is an error because the path was explicit.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return &Settings{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	for i, a := range s.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("settings file %s: agents[%d] has no name", path, i)
		}
	}
	return &s, nil
}

// CustomAgents converts the roster entries to agent profiles.
func (s *Settings) CustomAgents() []workforce.Agent {
	if len(s.Agents) == 0 {
		return nil
	}
	out := make([]workforce.Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, workforce.Agent{
			Name:         a.Name,
			Description:  a.Description,
			SystemPrompt: a.SystemPrompt,
			Tools:        a.Tools,
			AgentID:      a.AgentID,
		})
	}
	return out
}
