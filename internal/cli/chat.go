package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"smarthub/internal/config"
	"smarthub/internal/turn"
)

func newChatCmd(flags *GlobalFlags) *cobra.Command {
	var chatID, room string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
			if err != nil {
				return err
			}
			// Logs would tear the TUI; keep them to warnings and above.
			if flags.LogLevel == "" {
				cfg.Log.Level = "warn"
			}
			a, err := newApp(cmd.Context(), cfg, "chat")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.refreshCatalog(cmd.Context()); err != nil {
				return err
			}

			if chatID == "" {
				chatID = "tui-" + uuid.NewString()
			}
			send := func(ctx context.Context, text string) (turn.Response, error) {
				turnCtx := map[string]any{}
				if room != "" {
					turnCtx["room"] = room
				}
				return a.turns.Handle(ctx, turn.Request{ChatID: chatID, Message: text, Context: turnCtx})
			}
			st := newStyles(cmd.OutOrStdout(), false)
			p := tea.NewProgram(newChatModel(cmd.Context(), send, st, chatID), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat id to continue (default: a new one)")
	cmd.Flags().StringVar(&room, "room", "", "room the requests come from")
	return cmd
}

type sendFunc func(ctx context.Context, text string) (turn.Response, error)

type turnResultMsg struct {
	resp turn.Response
	err  error
}

type chatModel struct {
	ctx    context.Context
	send   sendFunc
	st     styles
	chatID string

	viewport  viewport.Model
	textInput textinput.Model
	spinner   spinner.Model
	messages  []string
	isLoading bool
	ready     bool
	width     int
	height    int
}

func newChatModel(ctx context.Context, send sendFunc, st styles, chatID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask about your devices, /quit to exit..."
	ti.Focus()
	ti.CharLimit = 1000
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(clrBrand)

	return chatModel{
		ctx:       ctx,
		send:      send,
		st:        st,
		chatID:    chatID,
		textInput: ti,
		spinner:   sp,
		messages:  []string{st.banner() + " " + st.dim("chat "+chatID)},
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var tiCmd, vpCmd, spCmd tea.Cmd
	m.textInput, tiCmd = m.textInput.Update(msg)
	m.spinner, spCmd = m.spinner.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.isLoading {
				return m, nil
			}
			input := strings.TrimSpace(m.textInput.Value())
			if input == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			switch input {
			case "/quit", "/exit":
				return m, tea.Quit
			case "/clear":
				m.messages = m.messages[:1]
				m.refresh()
				return m, nil
			}
			m.messages = append(m.messages, m.st.Cyan.Render("you> ")+input)
			m.isLoading = true
			m.refresh()
			return m, tea.Batch(m.turnCmd(input), m.spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.applyWindowSize(msg.Width, msg.Height)

	case turnResultMsg:
		m.isLoading = false
		if msg.err != nil {
			m.messages = append(m.messages, m.st.errPrefix()+" "+msg.err.Error())
		} else {
			line := m.st.Brand.Render("hub> ") + msg.resp.Reply
			if ex := msg.resp.Executed; ex != nil {
				line += "\n" + m.st.dim(fmt.Sprintf("  ran %s on %s", ex.ActionID, ex.DeviceID))
			}
			m.messages = append(m.messages, line)
		}
		m.refresh()
		return m, nil
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m chatModel) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.isLoading {
		b.WriteString(m.spinner.View() + " ")
	} else {
		b.WriteString(m.st.Brand.Render("> "))
	}
	b.WriteString(m.textInput.View())
	b.WriteString("\n")
	b.WriteString(m.st.dim("enter send · /clear · esc quit"))
	return b.String()
}

func (m chatModel) turnCmd(input string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.send(m.ctx, input)
		return turnResultMsg{resp: resp, err: err}
	}
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.messages, "\n\n"))
	m.viewport.GotoBottom()
}

func (m *chatModel) applyWindowSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	m.width, m.height = width, height
	m.textInput.Width = max(width-8, 1)
	vpWidth := max(width-2, 1)
	vpHeight := max(height-2, 1)
	if !m.ready {
		m.viewport = viewport.New(vpWidth, vpHeight)
		m.ready = true
		m.refresh()
		return
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
}
