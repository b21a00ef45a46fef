package prompts

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Templates holds the per-stage system prompts. Values come from
// config/prompts.yaml when present, else the compiled-in defaults.
type Templates struct {
	Planner    string `yaml:"planner"`
	Analysis   string `yaml:"analysis"`
	Validation string `yaml:"validation"`
	Report     string `yaml:"report"`
}

var defaults = Templates{
	Planner: `You are a research query strategist. Given a topic, clarifications,
and the gaps left by previous iterations, produce strategic web search queries.
Respond with JSON: {"queries": [3-5 strings], "reasoning": string, "confidence": 0-1}.`,

	Analysis: `You are a research analyst. Evaluate the accumulated findings for
coverage of the topic. Respond with JSON: {"sufficient": bool, "coverage": 0-1,
"gaps": [strings], "next_queries": [strings], "reasoning": string}.`,

	Validation: `You are a fact-checker. Evaluate the findings for source
credibility, consistency, and bias. Respond with JSON: {"valid": bool,
"confidence": 0-1, "concerns": [strings]}.`,

	Report: `You are a research report writer. Produce a comprehensive markdown
report with an executive summary, key findings organized by theme, analysis,
conclusions, and a sources list. Cite sources inline.`,
}

var (
	mu     sync.RWMutex
	loaded *Templates
)

// searchPaths resolves the prompt file location. An explicit
// PROMPTS_CONFIG_PATH is authoritative: when set, no fallback paths apply.
func searchPaths() []string {
	if p := os.Getenv("PROMPTS_CONFIG_PATH"); p != "" {
		return []string{p}
	}
	return []string{
		"./config/prompts.yaml",
		"../../config/prompts.yaml",
	}
}

// Load returns the active templates, reading the YAML file once.
func Load() Templates {
	mu.RLock()
	if loaded != nil {
		t := *loaded
		mu.RUnlock()
		return t
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if loaded != nil {
		return *loaded
	}
	t := defaults
	for _, p := range searchPaths() {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			continue
		}
		var file Templates
		if err := yaml.Unmarshal(data, &file); err != nil {
			continue
		}
		if file.Planner != "" {
			t.Planner = file.Planner
		}
		if file.Analysis != "" {
			t.Analysis = file.Analysis
		}
		if file.Validation != "" {
			t.Validation = file.Validation
		}
		if file.Report != "" {
			t.Report = file.Report
		}
		break
	}
	loaded = &t
	return t
}

// Reset clears the cached templates; used by tests.
func Reset() {
	mu.Lock()
	loaded = nil
	mu.Unlock()
}
