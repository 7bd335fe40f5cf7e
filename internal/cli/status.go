package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"smarthub/internal/config"
	"smarthub/internal/homeassistant"
	"smarthub/internal/index"
	"smarthub/internal/model"
)

type statusReport struct {
	ConfigFile   string         `json:"config_file"`
	StateDir     string         `json:"state_dir"`
	IndexPath    string         `json:"index_path"`
	Records      int            `json:"records"`
	ByKind       map[string]int `json:"by_kind"`
	Dim          int            `json:"dim"`
	EmbedModel   string         `json:"embed_model"`
	EmbedVersion string         `json:"embed_version"`
	HomeAssist   string         `json:"home_assistant"`
	HAReachable  *bool          `json:"ha_reachable,omitempty"`
	HAError      string         `json:"ha_error,omitempty"`
}

func newStatusCmd(flags *GlobalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index contents and configuration at a glance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, opts, err := loadConfig(flags, config.Requirements{})
			if err != nil {
				return err
			}
			rep := statusReport{
				ConfigFile:   config.ResolvePath(opts),
				StateDir:     cfg.StateDir,
				IndexPath:    cfg.IndexPath(),
				EmbedModel:   cfg.Ollama.EmbedModel,
				EmbedVersion: cfg.Ollama.EmbedVersion,
				HomeAssist:   cfg.HABaseURL(),
			}

			if _, err := os.Stat(cfg.IndexPath()); err == nil {
				idx := index.NewSQLiteIndex(cfg.IndexPath())
				defer idx.Close()
				if rep.Records, err = idx.Count(cmd.Context()); err != nil {
					return withExit(ExitIndexLoadFailure, err)
				}
				if rep.ByKind, err = idx.CountByKind(cmd.Context()); err != nil {
					return withExit(ExitIndexLoadFailure, err)
				}
				rep.Dim = idx.Dim()
			}

			if check {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				ha := homeassistant.NewClient(cfg.HABaseURL(), cfg.HomeAssistant.Token, cfg.HomeAssistant.Timeout.Duration)
				_, err := ha.States(ctx)
				ok := err == nil
				rep.HAReachable = &ok
				if err != nil {
					rep.HAError = err.Error()
				}
			}

			out := cmd.OutOrStdout()
			if flags.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}

			st := newStyles(out, false)
			fmt.Fprintln(out, st.sectionHeader("smarthub status"))
			fmt.Fprintln(out, st.separator(40))
			fmt.Fprintln(out, st.kv("Config", rep.ConfigFile))
			fmt.Fprintln(out, st.kv("State", rep.StateDir))
			fmt.Fprintln(out, st.kv("Embed model", rep.EmbedModel+" v"+rep.EmbedVersion))
			fmt.Fprintln(out, st.kv("Home Assistant", rep.HomeAssist))
			if rep.HAReachable != nil {
				if *rep.HAReachable {
					fmt.Fprintln(out, st.kv("Reachable", st.Success.Render("yes")))
				} else {
					fmt.Fprintln(out, st.kv("Reachable", st.Error.Render("no")), st.dim(rep.HAError))
				}
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, st.sectionHeader("Index"))
			if rep.Records == 0 {
				fmt.Fprintln(out, st.dim("  empty; run 'smarthub sync' first"))
				return nil
			}
			fmt.Fprintln(out, st.kv("Records", fmt.Sprint(rep.Records)))
			fmt.Fprintln(out, st.kv("Dimensions", fmt.Sprint(rep.Dim)))
			kinds := make([]string, 0, len(rep.ByKind))
			for k := range rep.ByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintln(out, st.kv(kindLabel(k), fmt.Sprint(rep.ByKind[k])))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "also probe Home Assistant")
	return cmd
}

func kindLabel(kind string) string {
	switch kind {
	case model.KindEntity:
		return "Entities"
	case model.KindDomain:
		return "Domains"
	case model.KindService:
		return "Services"
	}
	return kind
}
