package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/owui-pipes/responses/internal/config"
	"github.com/owui-pipes/responses/internal/host"
	"github.com/owui-pipes/responses/internal/item"
	"github.com/owui-pipes/responses/internal/llm"
	"github.com/owui-pipes/responses/internal/mcp"
	"github.com/owui-pipes/responses/internal/pipe"
	"github.com/owui-pipes/responses/internal/tools"
)

var (
	askModel string
	askChat  string
)

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model to use (default: first configured)")
	askCmd.Flags().StringVar(&askChat, "chat", "default", "Chat to continue")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one conversational turn against a local chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := newLogger(cfg)

		model := cfg.Model(askModel)
		if askModel == "" {
			model = &cfg.Models[0]
		}
		if model == nil {
			return fmt.Errorf("unknown model %q", askModel)
		}

		items, err := item.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer items.Close()

		chats, err := host.OpenSQLiteStore(filepath.Join(filepath.Dir(cfg.Store.Path), "chats.db"))
		if err != nil {
			return err
		}
		defer chats.Close()

		registry := llm.NewToolRegistry()
		if err := tools.Register(registry, cfg.Tools.Custom); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.MCP.Enabled {
			mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
			if err != nil {
				return err
			}
			if len(mcpCfg.Servers) > 0 {
				manager := mcp.NewManager(mcpCfg)
				manager.Log = log
				manager.StartAll(ctx)
				defer manager.StopAll()
				mcp.RegisterTools(manager, registry)
			}
		}

		provider := &llm.RetryProvider{
			Provider: &llm.ResponsesClient{
				BaseURL:       cfg.Endpoint.BaseURL,
				GetAuthHeader: func() string { return "Bearer " + cfg.Endpoint.APIKey },
				ExtraHeaders:  cfg.Endpoint.Headers,
				Include:       []string{"reasoning.encrypted_content"},
				Log:           log,
			},
			Log: log,
		}
		engine := &llm.Engine{
			Provider:    provider,
			Tools:       registry,
			Log:         log,
			MaxParallel: cfg.Tools.MaxParallel,
			ToolTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		}
		if err := engine.SetAllowedTools(cfg.Tools.Allowed); err != nil {
			return err
		}

		p := &pipe.Pipe{
			Runner: pipe.NewRunner(engine),
			Items:  items,
			Host:   chats,
			Events: consolePublisher{},
			Log:    log,
			Opts: pipe.Options{
				Model:           model.ID,
				Instructions:    model.Instructions,
				Temperature:     model.Temperature,
				TopP:            model.TopP,
				MaxOutputTokens: model.MaxOutputTokens,
				ReasoningEffort: model.ReasoningEffort,
				Truncation:      cfg.Store.Truncation,
				MaxToolTurns:    cfg.Tools.MaxTurns,
				ParallelTools:   cfg.Tools.Parallel,
				ServerState:     cfg.Store.ServerState,
				WebSearch:       model.WebSearch,
			},
		}

		if err := chats.Append(ctx, askChat, host.Message{
			ID: item.NewID(), Role: "user", Content: args[0],
		}); err != nil {
			return err
		}
		assistantID := item.NewID()
		if err := chats.Append(ctx, askChat, host.Message{
			ID: assistantID, Role: "assistant", Content: "",
		}); err != nil {
			return err
		}

		err = p.Run(ctx, pipe.Turn{ChatID: askChat, MessageID: assistantID})
		fmt.Println()
		return err
	},
}

// consolePublisher renders host events for a terminal: deltas to stdout,
// progress to stderr.
type consolePublisher struct{}

func (consolePublisher) Publish(_ context.Context, ev host.Event) error {
	switch ev.Type {
	case "chat:message:delta":
		fmt.Print(ev.Data["content"])
	case "status":
		if done, _ := ev.Data["done"].(bool); !done {
			fmt.Fprintf(os.Stderr, "· %v\n", ev.Data["description"])
		}
	case "source":
		if src, ok := ev.Data["source"].(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "» %v (%v)\n", src["name"], src["url"])
		}
	case "chat:completion":
		if errData, ok := ev.Data["error"].(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", errData["detail"])
		}
	}
	return nil
}
