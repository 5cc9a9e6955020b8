// Package config loads the YAML runtime configuration for the loop and
// its collaborators.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/runloop/runloop"
)

// Config is the full runtime configuration.
type Config struct {
	Agent      AgentConfig          `yaml:"agent"`
	Model      ModelConfig          `yaml:"model"`
	Store      StoreConfig          `yaml:"store"`
	ToolServer ToolServerConfig     `yaml:"tool_server"`
	Tools      []runloop.ToolConfig `yaml:"tools"`
}

type AgentConfig struct {
	Name               string `yaml:"name"`
	MaxTurns           int    `yaml:"max_turns"`
	ReflectionInterval int    `yaml:"reflection_interval"`
	TerminalTool       string `yaml:"terminal_tool"`
}

type ModelConfig struct {
	Provider        string `yaml:"provider"`
	Name            string `yaml:"name"`
	CompressorModel string `yaml:"compressor_model"`
	ContextWindow   int    `yaml:"context_window"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type ToolServerConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Default returns a configuration that works with only a provider API key
// set in the environment.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:               "agent",
			ReflectionInterval: 10,
			TerminalTool:       "final_output",
		},
		Model: ModelConfig{
			Provider:      "openai",
			Name:          "gpt-4o",
			ContextWindow: 80_000,
		},
		Store: StoreConfig{
			Dir: ".runloop/state",
		},
		ToolServer: ToolServerConfig{
			URL:            "http://localhost:8700",
			TimeoutSeconds: 120,
		},
		Tools: []runloop.ToolConfig{
			{
				Name:        "final_output",
				Description: "Report the final result of the task. Call this exactly once, when the task is complete.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"output": map[string]any{
							"type":        "string",
							"description": "The final answer or deliverable.",
						},
					},
					"required": []any{"output"},
				},
			},
		},
	}
}

// Load reads a YAML file over the defaults. Missing fields keep their
// default values; a tools list in the file replaces the default list.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("at least one tool is required")
	}
	found := false
	for _, t := range c.Tools {
		if t.Name == c.Agent.TerminalTool {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("terminal tool %q is not in the tools list", c.Agent.TerminalTool)
	}
	return nil
}
