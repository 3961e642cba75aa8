package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/parleychat/parley/internal/audit"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/log"
	"github.com/parleychat/parley/internal/sseclient"
	"github.com/parleychat/parley/internal/timeline"
)

var chatServerURL string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server from the terminal",
	RunE: func(*cobra.Command, []string) error {
		return runChat()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServerURL, "server", "http://localhost:8080/api/chat", "chat endpoint URL")
	rootCmd.AddCommand(chatCmd)
}

// Terminal styles for timeline entries.
var (
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	thinkingStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

func runChat() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(log.Config{Level: cfg.LogLevelValue(), JSON: cfg.LogJSON})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recorder, cleanup, err := buildRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	client := sseclient.New(chatServerURL, recorder, logger.With("component", "client"))
	defer client.Flush()

	fmt.Printf("Connected to %s. Empty line or Ctrl-D exits.\n", chatServerURL)

	rendered := 0
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("you> "), " ")
		if !scanner.Scan() {
			break
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			break
		}

		// The user entry is already on screen as the typed line.
		rendered = len(client.Timeline().Entries()) + 1

		if err := client.Send(ctx, message); err != nil {
			fmt.Println(errorStyle.Render("error: " + err.Error()))
			if ctx.Err() != nil {
				return nil
			}
		}

		entries := client.Timeline().Entries()
		for _, e := range entries[min(rendered, len(entries)):] {
			renderEntry(e)
		}
		rendered = len(entries)
	}
	return scanner.Err()
}

func renderEntry(e timeline.Entry) {
	switch e.Kind {
	case timeline.EntryThinking:
		fmt.Println(thinkingStyle.Render("· " + e.Text))
	case timeline.EntryToolCall:
		if e.Call != nil {
			input, _ := json.Marshal(e.Call.Input)
			fmt.Println(toolStyle.Render(fmt.Sprintf("⚙ %s(%s) [%s]", e.Call.Name, input, e.Call.Status)))
		}
	case timeline.EntryToolResult:
		if e.Call != nil {
			fmt.Println(toolStyle.Render(fmt.Sprintf("⚙ %s → %v", e.Call.Name, e.Call.Result)))
		}
	case timeline.EntryError:
		fmt.Println(errorStyle.Render("error: " + e.Text))
	default:
		fmt.Println(e.Text)
	}
}

// buildRecorder selects the audit sink: platform HTTP when an audit URL is
// configured, Postgres when a database URL is, otherwise a no-op.
func buildRecorder(ctx context.Context, cfg *config.Config, logger log.Logger) (audit.Recorder, func(), error) {
	switch {
	case cfg.AuditURL != "":
		return audit.NewPlatform(cfg.AuditURL, cfg.AuditToken, logger.With("component", "audit")), func() {}, nil
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting audit database: %w", err)
		}
		pg := audit.NewPostgres(pool, logger.With("component", "audit"))
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Warn("audit schema setup failed, auditing may drop messages", "error", err)
		}
		return pg, pool.Close, nil
	default:
		return audit.Nop{}, func() {}, nil
	}
}
