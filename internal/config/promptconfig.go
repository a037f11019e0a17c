// Package config provides configuration loading utilities for prompt templates.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptConfig holds the text blocks used to assemble the guidance prompt.
// Defaults mirror the production prompt; a YAML file can override any field.
type PromptConfig struct {
	Preamble      string `yaml:"preamble"`
	ContextHeader string `yaml:"context_header"`
	ContextFooter string `yaml:"context_footer"`
	InputHeader   string `yaml:"input_header"`
	InputFooter   string `yaml:"input_footer"`
}

// DefaultPromptConfig returns the built-in prompt template.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Preamble: strings.Join([]string{
			"You are an expert medical assistant. Structure your analysis in two parts:",
			"1. **Recommendation:** a clear, concise and directly actionable recommendation.",
			"2. **Reasoning:** a step-by-step explanation grounded STRICTLY in the supplied context, citing the relevant excerpts.",
		}, "\n"),
		ContextHeader: "--- KNOWLEDGE BASE CONTEXT ---",
		ContextFooter: "-----------------------------------------",
		InputHeader:   "--- DIAGNOSTIC TO ANALYZE ---",
		InputFooter:   "-----------------------------",
	}
}

// LoadPromptConfig loads the prompt template from path, falling back to the
// defaults when the file does not exist. Empty fields keep their default.
func LoadPromptConfig(path string) (PromptConfig, error) {
	cfg := DefaultPromptConfig()
	if path == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("op=promptconfig.Load: %w", err)
	}
	var override PromptConfig
	if err := yaml.Unmarshal(content, &override); err != nil {
		return cfg, fmt.Errorf("op=promptconfig.Parse: %w", err)
	}
	if override.Preamble != "" {
		cfg.Preamble = override.Preamble
	}
	if override.ContextHeader != "" {
		cfg.ContextHeader = override.ContextHeader
	}
	if override.ContextFooter != "" {
		cfg.ContextFooter = override.ContextFooter
	}
	if override.InputHeader != "" {
		cfg.InputHeader = override.InputHeader
	}
	if override.InputFooter != "" {
		cfg.InputFooter = override.InputFooter
	}
	return cfg, nil
}
