package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitSuccess          = 0
	ExitGenericError     = 1
	ExitConfigInvalid    = 2
	ExitBindFailure      = 4
	ExitIndexLoadFailure = 5
	ExitUpstreamFailure  = 6
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	Dir        string
	ConfigPath string
	StateDir   string
	LogLevel   string
	LogFormat  string
	JSON       bool
	Quiet      bool
}

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// NewRootCmd builds the smarthub command tree.
func NewRootCmd() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "smarthub",
		Short:         "Natural-language control for Home Assistant devices",
		Long:          "smarthub turns free-text requests into replies or validated Home Assistant service calls, backed by a local embedding index and Ollama models.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.Dir, "dir", ".", "directory holding .env and .env.local")
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path (default: <dir>/smarthub.toml)")
	pf.StringVar(&flags.StateDir, "state-dir", "", "state directory for the index and sessions")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: trace|debug|info|warn|error")
	pf.StringVar(&flags.LogFormat, "log-format", "", "log format: auto|json|console")
	pf.BoolVar(&flags.JSON, "json", false, "emit JSON instead of styled text")
	pf.BoolVar(&flags.Quiet, "quiet", false, "reduce output")

	root.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newResyncCmd(flags),
		newResetCmd(flags),
		newSearchCmd(flags),
		newAskCmd(flags),
		newChatCmd(flags),
		newStatusCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return ExitSuccess
	}
	st := newStyles(os.Stderr, false)
	fmt.Fprintln(os.Stderr, st.errPrefix(), err.Error())
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitGenericError
}
