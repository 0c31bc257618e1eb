package runtime

import (
	"context"
	"fmt"
	"os/exec"
)

// EnsureNetwork makes sure the named bridge device exists and is up,
// creating it when missing. The engine data path stays on host ports; the
// bridge carries engine-to-engine traffic in deployments that route it.
func (r *ContainerdRuntime) EnsureNetwork(ctx context.Context, name string) error {
	if err := runIP(ctx, "link", "show", "dev", name); err == nil {
		return nil
	}
	if err := runIP(ctx, "link", "add", "name", name, "type", "bridge"); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	if err := runIP(ctx, "link", "set", name, "up"); err != nil {
		return fmt.Errorf("failed to bring up bridge %s: %w", name, err)
	}
	return nil
}

// runIP executes an ip(8) command
func runIP(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v failed: %w (output: %s)", args, err, string(output))
	}
	return nil
}
