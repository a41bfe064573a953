package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SystemPromptConfig mirrors system_prompt.yaml.
type SystemPromptConfig struct {
	Assistant struct {
		Role     string `yaml:"role"`
		Language string `yaml:"language"`
		Audience string `yaml:"audience"`
	} `yaml:"assistant"`

	Guidelines []string `yaml:"guidelines"`

	Constraints []string `yaml:"constraints"`

	Tone struct {
		Style       string `yaml:"style"`
		Personality string `yaml:"personality"`
	} `yaml:"tone"`
}

// LoadSystemPrompt reads the assistant persona configuration.
func LoadSystemPrompt(path string) (*SystemPromptConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system prompt config: %w", err)
	}

	var cfg SystemPromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse system prompt config: %w", err)
	}
	return &cfg, nil
}

// BuildSystemPrompt renders the persona configuration into the system
// message sent at the start of every run.
func (c *SystemPromptConfig) BuildSystemPrompt() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Eres %s.\n", c.Assistant.Role))
	if c.Assistant.Audience != "" {
		sb.WriteString(fmt.Sprintf("Asistes a: %s.\n", c.Assistant.Audience))
	}
	if c.Assistant.Language != "" {
		sb.WriteString(fmt.Sprintf("Respondes siempre en %s.\n", c.Assistant.Language))
	}
	sb.WriteString("\n")

	if len(c.Guidelines) > 0 {
		sb.WriteString("## Pautas de respuesta\n")
		for i, g := range c.Guidelines {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, g))
		}
		sb.WriteString("\n")
	}

	if len(c.Constraints) > 0 {
		sb.WriteString("## Restricciones\n")
		for _, constraint := range c.Constraints {
			sb.WriteString(fmt.Sprintf("- %s\n", constraint))
		}
		sb.WriteString("\n")
	}

	if c.Tone.Style != "" || c.Tone.Personality != "" {
		sb.WriteString("## Tono\n")
		if c.Tone.Style != "" {
			sb.WriteString(fmt.Sprintf("- Estilo: %s\n", c.Tone.Style))
		}
		if c.Tone.Personality != "" {
			sb.WriteString(fmt.Sprintf("- Personalidad: %s\n", c.Tone.Personality))
		}
	}

	return sb.String()
}
