package generate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ClaudeCLI returns a CompletionFunc that calls `claude --print` for a
// one-shot response.
func ClaudeCLI(model string) CompletionFunc {
	if model == "" {
		model = "haiku"
	}
	return func(ctx context.Context, prompt string) (string, error) {
		cmd := exec.CommandContext(ctx, "claude", "--print", "--model", model, prompt)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("claude --print: %s: %w", strings.TrimSpace(string(out)), err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}
