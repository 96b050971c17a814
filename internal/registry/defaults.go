package registry

import "g4f-bridge/internal/models"

// Defaults returns the built-in model table used when no configuration
// overrides it.
func Defaults() []models.Model {
	return []models.Model{
		{ID: "gpt-4o-mini", Provider: "DDG"},
		{ID: "claude-3-haiku-20240307", Provider: "DDG"},
		{ID: "meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo", Provider: "DDG"},
		{ID: "mistralai/Mixtral-8x7B-Instruct-v0.1", Provider: "DDG"},
		{ID: "claude-sonnet-3.5", Provider: "Blackbox AI"},
		{ID: "gpt-4", Provider: "Binjie"},
		{ID: "nemotron-70b", Provider: "HuggingChat"},
		{ID: "command-r-plus", Provider: "HuggingChat"},
		{ID: "Qwen/QwQ-32B-Preview", Provider: "HuggingChat"},
		{ID: "meta-llama/Llama-3.3-70B-Instruct", Provider: "HuggingChat"},
	}
}
