package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"smarthub/internal/catalog"
	"smarthub/internal/config"
	"smarthub/internal/model"
	"smarthub/internal/resolver"
)

func newSearchCmd(flags *GlobalFlags) *cobra.Command {
	var area, intent string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the candidates the resolver builds for a query (no model calls besides embedding)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "search")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.refreshCatalog(cmd.Context()); err != nil {
				return err
			}

			bundle, err := a.resolver.Resolve(cmd.Context(), resolver.Request{
				Query:  strings.Join(args, " "),
				Intent: model.Intent{Intent: intent},
				Scope:  resolver.Scope{Area: catalog.NormalizeArea(area), Strict: area != ""},
			})
			if err != nil {
				return withExit(ExitUpstreamFailure, err)
			}
			return printCandidates(cmd.OutOrStdout(), flags, bundle)
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "restrict devices to an area")
	cmd.Flags().StringVar(&intent, "intent", "", "intent verb used to pick actions (e.g. turn_on)")
	return cmd
}

func printCandidates(w io.Writer, flags *GlobalFlags, bundle model.CandidateBundle) error {
	if flags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle)
	}
	st := newStyles(w, false)
	if len(bundle.Candidates) == 0 {
		fmt.Fprintln(w, st.dim("(no candidates)"))
		return nil
	}
	for i, c := range bundle.Candidates {
		fmt.Fprintf(w, "%s %s %s\n", st.Brand.Render(fmt.Sprintf("%d)", i+1)), c.Device.ID, st.dim(c.Device.Name))
		fmt.Fprintln(w, st.kv("action", c.Action.ID))
		if c.Device.Area != "" {
			fmt.Fprintln(w, st.kv("area", c.Device.Area))
		}
		if len(c.Action.Fields) > 0 {
			fmt.Fprintln(w, st.kv("fields", strings.Join(c.Action.Fields, ", ")))
		}
		switch {
		case c.SchemaHint.ValueRange != nil:
			fmt.Fprintln(w, st.kv("range", fmt.Sprintf("%g..%g", c.SchemaHint.ValueRange[0], c.SchemaHint.ValueRange[1])))
		case c.SchemaHint.Toggle:
			fmt.Fprintln(w, st.kv("toggle", "yes"))
		}
	}
	return nil
}
