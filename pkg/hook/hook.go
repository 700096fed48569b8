// Package hook runs user supplied shell commands around every pass.
//
// Commands receive the pass context through environment variables:
//
//	PGL_REPLICA_SOURCE   absolute source root
//	PGL_REPLICA_REPLICA  absolute replica root
//	PGL_REPLICA_PASS     1-based pass number
//	PGL_REPLICA_RESULT   "success" or "error" (post-pass only)
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/paulschiretz/pgl-replica/pkg/hints"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Stage identifies when a hook runs relative to a pass.
type Stage string

const (
	PrePass  Stage = "pre-pass"
	PostPass Stage = "post-pass"
)

// Env describes the pass a hook runs for.
type Env struct {
	Source  string
	Replica string
	Pass    int
	// PassErr is the outcome of the pass. Only meaningful for post-pass hooks.
	PassErr error
}

func (e Env) vars(stage Stage) []string {
	vars := []string{
		"PGL_REPLICA_SOURCE=" + e.Source,
		"PGL_REPLICA_REPLICA=" + e.Replica,
		"PGL_REPLICA_PASS=" + strconv.Itoa(e.Pass),
	}
	if stage == PostPass {
		result := "success"
		if e.PassErr != nil {
			result = "error"
		}
		vars = append(vars, "PGL_REPLICA_RESULT="+result)
	}
	return vars
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a new HookExecutor. Pass exec.CommandContext outside of tests.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPrePass runs the plan's pre-pass commands.
func (e *HookExecutor) RunPrePass(ctx context.Context, p *Plan, env Env) error {
	return e.run(ctx, PrePass, p, p.PrePassCommands, env)
}

// RunPostPass runs the plan's post-pass commands.
func (e *HookExecutor) RunPostPass(ctx context.Context, p *Plan, env Env) error {
	return e.run(ctx, PostPass, p, p.PostPassCommands, env)
}

func (e *HookExecutor) run(ctx context.Context, stage Stage, p *Plan, commands []string, env Env) error {
	if !p.Enabled {
		return ErrDisabled
	}

	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "stage", stage, "pass", env.Pass)

	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Notice("[DRY RUN] Executing command", "stage", stage, "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "stage", stage, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(cmd.Environ(), env.vars(stage)...)

		// Pipe output to our logger for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A cancelled context makes cmd.Run fail too; report the cancellation instead.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("%s command '%s' failed: %w", stage, hookCommand, err)
			}
			plog.Warn("Hook command failed", "stage", stage, "command", hookCommand, "error", err)
		}
	}
	return nil
}
