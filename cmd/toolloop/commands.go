package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kotaroba/toolloop/internal/backoff"
	"github.com/kotaroba/toolloop/internal/config"
	"github.com/kotaroba/toolloop/internal/orchestrator"
	"github.com/kotaroba/toolloop/internal/prompt"
	"github.com/kotaroba/toolloop/internal/provider"
	"github.com/kotaroba/toolloop/internal/registry"
	"github.com/kotaroba/toolloop/internal/testharness"
	"github.com/kotaroba/toolloop/internal/toolclient"
)

func buildRunCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Answer a single query and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, debug)
			if err != nil {
				return err
			}
			loop, _, err := buildLoop(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			outcome, err := loop.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printOutcome(outcome)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildChatCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat over the tool loop",
		Long: `Read queries from stdin, one per line, keeping the conversation history
across turns. A clarification from the model is answered by the next line.
Exit with /quit, Ctrl-D or Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, debug)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			loop, catalog, err := buildLoop(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("connected; %d tools available: %s\n", catalog.Len(), strings.Join(catalog.Names(), ", "))
			fmt.Println("type a query, /quit to exit")

			session := loop.NewSession()
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "/quit" || line == "/exit":
					return nil
				}

				outcome, err := session.Ask(ctx, line)
				if err != nil {
					if ctx.Err() != nil {
						fmt.Println("interrupted")
						return nil
					}
					return err
				}
				printOutcome(outcome)
			}
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildToolsCmd(configPath *string) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the host publishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			client := registryClient(cfg)
			var catalog *registry.Catalog
			if refresh {
				catalog, err = client.Refresh(cmd.Context())
			} else {
				catalog, err = client.Fetch(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, tool := range catalog.Tools() {
				fmt.Printf("%-20s %s %s\n", tool.Name, tool.HTTPMethod, tool.Path)
				fmt.Printf("%-20s %s\n", "", tool.Description)
			}
			fmt.Printf("%d tools (fetched %s)\n", catalog.Len(), catalog.FetchedAt().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the registry cache")
	return cmd
}

func buildDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted end-to-end session with no external servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			host := testharness.NewToolHost()
			defer host.Close()
			model := testharness.NewScriptedModel(
				testharness.ToolCallTurn("get_weather", map[string]any{"city": "Tokyo", "unit": "metric"}),
				testharness.FinalAnswerTurn("Tokyo is 15.5°C and cloudy."),
			)
			defer model.Close()

			catalog := host.Catalog()
			loop := orchestrator.New(
				provider.NewOllama(model.URL(), "scripted"),
				toolclient.New(host.URL(), catalog),
				catalog,
			)

			fmt.Println("query: What is the weather in Tokyo?")
			outcome, err := loop.Run(cmd.Context(), "What is the weather in Tokyo?")
			if err != nil {
				return err
			}
			printOutcome(outcome)
			fmt.Printf("model calls: %d, tool calls: %d\n", outcome.ModelCalls, outcome.ToolCalls)
			return nil
		},
	}
}

// buildLoop wires the loop from configuration: registry fetch (fatal if it
// fails), provider selection, tool client and prompt builder.
func buildLoop(ctx context.Context, cfg config.Config) (*orchestrator.Loop, *registry.Catalog, error) {
	chat, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	if o, ok := chat.(*provider.Ollama); ok && !o.Healthy(ctx) {
		return nil, nil, fmt.Errorf("model server is not responding; is ollama running?")
	}

	catalog, err := registryClient(cfg).Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	tools := toolclient.New(cfg.APIBase, catalog,
		toolclient.WithRetry(cfg.Tools.Retries, backoff.Policy{
			InitialMs: float64(cfg.Tools.RetryBackoffMS),
			MaxMs:     float64(10 * cfg.Tools.RetryBackoffMS),
			Factor:    2,
			Jitter:    0.1,
		}))

	promptOpts := []prompt.Option{
		prompt.WithLanguage(cfg.Prompt.Language),
		prompt.WithStyle(prompt.Style(cfg.Prompt.Style)),
	}
	if cfg.Prompt.Instructions != "" {
		promptOpts = append(promptOpts, prompt.WithInstructions(cfg.Prompt.Instructions))
	}

	loop := orchestrator.New(chat, tools, catalog,
		orchestrator.WithMaxIterations(cfg.Loop.MaxIterations),
		orchestrator.WithMalformedLimit(cfg.Loop.MalformedLimit),
		orchestrator.WithToolTimeout(cfg.Tools.Timeout()),
		orchestrator.WithSampling(cfg.Loop.Temperature, cfg.Loop.Seed),
		orchestrator.WithPromptBuilder(prompt.NewBuilder(promptOpts...)),
	)
	return loop, catalog, nil
}

func buildProvider(cfg config.Config) (provider.ChatClient, error) {
	switch cfg.Provider.Name {
	case "ollama":
		var s config.OllamaSettings
		if err := config.DecodeSettings(cfg.Provider.Settings, &s); err != nil {
			return nil, fmt.Errorf("decode ollama settings: %w", err)
		}
		return provider.NewOllama(s.Host, s.Model), nil
	case "anthropic":
		var s provider.AnthropicSettings
		if err := config.DecodeSettings(cfg.Provider.Settings, &s); err != nil {
			return nil, fmt.Errorf("decode anthropic settings: %w", err)
		}
		return provider.NewAnthropic(s), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want ollama or anthropic)", cfg.Provider.Name)
	}
}

func registryClient(cfg config.Config) *registry.Client {
	opts := []registry.Option{}
	if cfg.Registry.CachePath != "" {
		opts = append(opts, registry.WithCache(cfg.Registry.CachePath, cfg.Registry.CacheTTL()))
	}
	return registry.NewClient(cfg.APIBase, opts...)
}

func printOutcome(o orchestrator.Outcome) {
	switch o.Kind {
	case orchestrator.OutcomeFinalAnswer:
		fmt.Println(o.Content)
		if o.Diagnostic != "" {
			fmt.Println("note:", o.Diagnostic)
		}
	case orchestrator.OutcomeClarification:
		fmt.Println("the model needs more information:", o.Question)
		if len(o.MissingParams) > 0 {
			fmt.Println("missing:", strings.Join(o.MissingParams, ", "))
		}
	case orchestrator.OutcomeExhausted:
		fmt.Printf("no final answer after %d iterations\n", o.Iterations)
		if o.LastPartial != "" {
			fmt.Println("last model output:", o.LastPartial)
		}
	}
}
