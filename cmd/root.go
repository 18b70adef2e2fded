package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/owui-pipes/responses/internal/config"
)

var Version = "dev"

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(configCmd)
}

var rootCmd = &cobra.Command{
	Use:   "owui-responses",
	Short: "Stateful Responses pipe for marker-based chat hosts",
	Long: `owui-responses bridges plain role/content chat histories to a stateful
Responses endpoint. Tool calls, tool outputs, and reasoning survive across
turns through invisible in-text markers backed by a local item store.

Examples:
  owui-responses ask "what changed in Go 1.25?"
  owui-responses ask --chat work "summarize the thread so far"
  owui-responses chats
  owui-responses config show`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Version:           Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the root logger from config plus the flag override.
func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(config.LevelFromString(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}
