package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"smarthub/internal/config"
)

func newConfigCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd(flags), newConfigPrintCmd(flags))
	return cmd
}

func newConfigInitCmd(flags *GlobalFlags) *cobra.Command {
	var force, nonInteractive bool
	var token string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write smarthub.toml with defaults and optionally store HA_TOKEN in .env.local",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := config.Options{Path: flags.ConfigPath, Dir: flags.Dir}
			path := config.ResolvePath(opts)
			if _, err := os.Stat(path); err == nil && !force {
				return withExit(ExitConfigInvalid, fmt.Errorf("%s already exists; pass --force to overwrite", path))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.Default()
			if flags.StateDir != "" {
				cfg.StateDir = flags.StateDir
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := newStyles(out, flags.JSON)
			fmt.Fprintln(out, st.Success.Render("Wrote"), path)

			if token == "" && !nonInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Optional: paste a Home Assistant long-lived access token (input is hidden). Press Enter to skip.")
				var err error
				if token, err = promptToken(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return fmt.Errorf("reading HA token: %w", err)
				}
			}
			if token == "" {
				fmt.Fprintln(out, st.dim("Set HA_TOKEN in the environment or .env.local before running 'smarthub serve'."))
				return nil
			}
			dir := flags.Dir
			if dir == "" {
				dir = "."
			}
			if err := config.SaveSecret(dir, "HA_TOKEN", token); err != nil {
				return err
			}
			fmt.Fprintln(out, st.Success.Render("Stored"), "HA_TOKEN in", filepath.Join(dir, ".env.local"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt")
	cmd.Flags().StringVar(&token, "ha-token", "", "Home Assistant token to store in .env.local")
	return cmd
}

func newConfigPrintCmd(flags *GlobalFlags) *cobra.Command {
	var sources bool
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective config as TOML (token excluded)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, opts, err := loadConfig(flags, config.Requirements{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if flags.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if sources {
					return enc.Encode(config.EffectiveFields(cfg, opts))
				}
				return enc.Encode(config.Redacted(cfg))
			}

			if !sources {
				text, err := config.Encode(cfg)
				if err != nil {
					return err
				}
				fmt.Fprint(out, text)
				return nil
			}
			st := newStyles(out, false)
			for _, fi := range config.EffectiveFields(cfg, opts) {
				fmt.Fprintf(out, "%-28s %-24s %s\n", fi.Key, fi.Value, st.dim("("+string(fi.Source)+", "+fi.EnvVar+")"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sources, "sources", false, "list env-bound fields with the layer that set each")
	return cmd
}

// promptToken reads one Home Assistant token line from in. Echo is off when
// in is a terminal.
func promptToken(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "HA token: ")
	defer fmt.Fprintln(prompt)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
