package toolkit

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// commandTimeout bounds a single terminal command.
const commandTimeout = 120 * time.Second

// outputLimit caps captured command output.
const outputLimit = 32 * 1024

// TerminalToolkit executes shell commands with the project workdir as the
// working directory. Always behind the always_ask approval tier.
type TerminalToolkit struct{}

// NewTerminalToolkit creates the builtin terminal toolkit.
func NewTerminalToolkit() *TerminalToolkit { return &TerminalToolkit{} }

func (t *TerminalToolkit) Name() string { return "TerminalToolkit" }

func (t *TerminalToolkit) Methods() []MethodSpec {
	return []MethodSpec{
		{Name: "execute_command", Description: "Run a shell command in the project workdir"},
	}
}

func (t *TerminalToolkit) Call(ctx context.Context, tc ToolContext, method string, args map[string]any) (*ToolResult, error) {
	if method != "execute_command" {
		return nil, fmt.Errorf("TerminalToolkit has no method %q", method)
	}
	command, _ := args["command"].(string)
	if command == "" {
		return &ToolResult{Content: "command is required", IsError: true}, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = tc.Workdir
	output, err := cmd.CombinedOutput()
	if len(output) > outputLimit {
		output = output[:outputLimit]
	}
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("command failed: %v\n%s", err, output),
			IsError: true,
		}, nil
	}
	return &ToolResult{Content: string(output)}, nil
}
