package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpower-security/mcpower/internal/domain/hook"
)

var cursorHookCmd = &cobra.Command{
	Use:           "cursor-hook",
	Short:         "Internal: Cursor hook handler",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCursorHook,
}

func init() {
	rootCmd.AddCommand(cursorHookCmd)
}

func runCursorHook(cmd *cobra.Command, args []string) error {
	rt, err := newHookRuntime()
	if err != nil {
		writeHookFailure(`{"permission":"deny","agent_message":"MCPower hook failed to start"}`, err)
		os.Exit(1)
	}
	router := hook.NewCursorRouter(rt.deps)
	code := router.Run(cmd.Context(), os.Stdin, os.Stdout)
	rt.close()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
