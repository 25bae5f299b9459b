package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpower-security/mcpower/internal/domain/hook"
)

var claudeHookCmd = &cobra.Command{
	Use:           "claude-hook",
	Short:         "Internal: Claude Code hook handler",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runClaudeHook,
}

func init() {
	rootCmd.AddCommand(claudeHookCmd)
}

func runClaudeHook(cmd *cobra.Command, args []string) error {
	rt, err := newHookRuntime()
	if err != nil {
		writeHookFailure(`{"permissionDecision":"deny","permissionDecisionReason":"MCPower hook failed to start"}`, err)
		os.Exit(1)
	}
	router := hook.NewClaudeRouter(rt.deps)
	code := router.Run(cmd.Context(), os.Stdin, os.Stdout)
	rt.close()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
