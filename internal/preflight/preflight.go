package preflight

import (
	"context"
	"strings"

	"videoarchiver/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if cfg.Processor.OutputDir != "" {
		results = append(results, CheckDirectoryAccess("Output directory", cfg.Processor.OutputDir))
	}
	if len(cfg.Processor.Command) > 0 {
		results = append(results, CheckBinary("Processor", cfg.Processor.Command[0]))
	}
	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		ntfy := CheckNtfy(ctx, topic)
		ntfy.Optional = true
		results = append(results, ntfy)
	}
	return results
}

// Failures returns the results that did not pass.
func Failures(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
