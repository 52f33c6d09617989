package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/comigor/tripmate/internal/assistant"
	"github.com/comigor/tripmate/internal/auth"
	"github.com/comigor/tripmate/internal/chat"
	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/logger"
	"github.com/comigor/tripmate/internal/tui"
)

var (
	configFlag  string
	baseURLFlag string
	tokenFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "tripmate",
	Short:         "Chat with the travel assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the travel assistant.

Press enter to send, ctrl+r to retry the last failed message,
esc to cancel a pending request and ctrl+c to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config file (default: $CONFIG_PATH or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "Assistant service URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (overrides config)")
	rootCmd.AddCommand(chatCmd)
	// bare "tripmate" opens the chat
	rootCmd.RunE = chatCmd.RunE
}

func runChat() error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if baseURLFlag != "" {
		cfg.Assistant.BaseURL = baseURLFlag
	}

	logOut, closeLog, err := openLog(cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.SetOutput(logOut)
	logger.SetLevel(cfg.Log.Level)

	tokens := auth.Chain(auth.Static(tokenFlag), auth.Static(cfg.Auth.Token), auth.File(cfg.Auth.TokenFile))
	client := assistant.NewClient(cfg.Assistant.BaseURL, assistant.WithTokenSource(tokens))

	session := chat.New(client, chat.WithTimeout(cfg.Assistant.Timeout))
	defer session.Close()
	changes, unsubscribe := session.Subscribe()
	defer unsubscribe()

	logger.L.Infow("chat started", "base_url", cfg.Assistant.BaseURL, "timeout", cfg.Assistant.Timeout.String())
	_, err = tea.NewProgram(tui.NewModel(session, changes), tea.WithAltScreen()).Run()
	return err
}

// openLog keeps log lines off the terminal the chat draws on.
func openLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
