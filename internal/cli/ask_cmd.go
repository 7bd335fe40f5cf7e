package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"smarthub/internal/config"
	"smarthub/internal/turn"
)

func newAskCmd(flags *GlobalFlags) *cobra.Command {
	var chatID, room string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one chat turn locally, executing the chosen action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "ask")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.refreshCatalog(cmd.Context()); err != nil {
				return err
			}

			if chatID == "" {
				chatID = "cli-" + uuid.NewString()
			}
			turnCtx := map[string]any{}
			if room != "" {
				turnCtx["room"] = room
			}
			resp, err := a.turns.Handle(cmd.Context(), turn.Request{
				ChatID:  chatID,
				Message: strings.Join(args, " "),
				Context: turnCtx,
			})
			if err != nil {
				return withExit(ExitUpstreamFailure, err)
			}

			out := cmd.OutOrStdout()
			if flags.JSON {
				return json.NewEncoder(out).Encode(resp)
			}
			fmt.Fprintln(out, resp.Reply)
			if resp.Executed != nil && !flags.Quiet {
				st := newStyles(out, false)
				fmt.Fprintln(out, st.dim(fmt.Sprintf("executed %s on %s", resp.Executed.ActionID, resp.Executed.DeviceID)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat id to continue (default: a new one)")
	cmd.Flags().StringVar(&room, "room", "", "room the request comes from")
	return cmd
}
