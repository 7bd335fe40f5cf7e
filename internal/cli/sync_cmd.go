package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"smarthub/internal/config"
	"smarthub/internal/model"
)

func newSyncCmd(flags *GlobalFlags) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Embed catalog items whose content changed since the last pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "sync")
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			started := time.Now()
			result, err := a.engine.Sync(cmd.Context())
			printSync(out, flags, "sync", result, time.Since(started))
			if err != nil {
				return withExit(ExitUpstreamFailure, err)
			}
			if !verify {
				return nil
			}
			started = time.Now()
			second, err := a.engine.Sync(cmd.Context())
			printSync(out, flags, "verify", second, time.Since(started))
			if err != nil {
				return withExit(ExitUpstreamFailure, err)
			}
			if second.Embedded != 0 {
				return fmt.Errorf("second pass embedded %d items; expected none", second.Embedded)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "run a second pass and fail unless it embeds nothing")
	return cmd
}

func newResyncCmd(flags *GlobalFlags) *cobra.Command {
	var embedModel, embedVersion string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Reset the index and embed the whole catalog, optionally with a new model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "sync")
			if err != nil {
				return err
			}
			defer a.Close()

			started := time.Now()
			result, err := a.engine.Resync(cmd.Context(), embedModel, embedVersion)
			printSync(cmd.OutOrStdout(), flags, "resync", result, time.Since(started))
			return withExit(ExitUpstreamFailure, err)
		},
	}
	cmd.Flags().StringVar(&embedModel, "model", "", "embedding model to switch to")
	cmd.Flags().StringVar(&embedVersion, "version", "", "embedding version tag to switch to")
	return cmd
}

func newResetCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every embedding record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "reset")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.index.Reset(cmd.Context()); err != nil {
				return withExit(ExitIndexLoadFailure, err)
			}
			if !flags.Quiet {
				st := newStyles(os.Stdout, flags.JSON)
				fmt.Fprintln(cmd.OutOrStdout(), st.Success.Render("index reset"), st.dim(cfg.IndexPath()))
			}
			return nil
		},
	}
}

func printSync(w io.Writer, flags *GlobalFlags, label string, r model.SyncResult, elapsed time.Duration) {
	if flags.Quiet {
		return
	}
	if flags.JSON {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pass":       label,
			"scanned":    r.Scanned,
			"embedded":   r.Embedded,
			"batches":    r.Batches,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return
	}
	st := newStyles(w, false)
	fmt.Fprintf(w, "%s %s %s %s %s\n",
		st.Header.Render(label),
		st.stat("scanned", r.Scanned),
		st.stat("embedded", r.Embedded),
		st.stat("batches", r.Batches),
		st.dim(elapsed.Round(time.Millisecond).String()),
	)
}
