package main

import (
	"fmt"

	"overseer/internal/config"
	"overseer/internal/dispatch"
)

// commandSpecs maps provider names to their CLI invocation shape. The
// wrappers all print a JSON envelope on stdout; flags differ per tool.
var commandSpecs = map[string]dispatch.CommandSpec{
	"claude": {
		Binary:     "claude",
		PromptFlag: "-p",
		ResumeFlag: "--resume",
		ModeFlag:   "--permission-mode",
		ExtraArgs:  []string{"--output-format", "json"},
	},
	"codex": {
		Binary:     "codex",
		PromptFlag: "exec",
		ResumeFlag: "--session",
		ExtraArgs:  []string{"--json", "--color", "never"},
	},
	"gemini": {
		Binary:     "gemini",
		PromptFlag: "-p",
		ExtraArgs:  []string{"--output-format", "json"},
	},
	"ollama": {
		Binary:     "ollama",
		PromptFlag: "run",
	},
}

// buildRegistry constructs one command provider per configured priority
// entry. Unknown names are an operator error, not a silent skip.
func buildRegistry(cfg *config.Config) (*dispatch.Registry, error) {
	providers := make([]dispatch.Provider, 0, len(cfg.Dispatch.ProviderPriority))
	for _, name := range cfg.Dispatch.ProviderPriority {
		spec, ok := commandSpecs[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q in priority list", name)
		}
		p, err := dispatch.NewCommandProvider(name, spec, cfg.Dispatch.Timeout(), cfg.Dispatch.QuotaPatterns, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return dispatch.NewRegistry(providers, logger), nil
}
