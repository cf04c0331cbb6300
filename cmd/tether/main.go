package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AJCubed/tether/internal/analysis"
	"github.com/AJCubed/tether/internal/config"
	"github.com/AJCubed/tether/internal/contacts"
	"github.com/AJCubed/tether/internal/gemini"
	"github.com/AJCubed/tether/internal/imessage"
	"github.com/AJCubed/tether/internal/openaichat"
	"github.com/AJCubed/tether/internal/server"
	"github.com/AJCubed/tether/internal/store"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Personal iMessage dashboard backend",
		Long: `Tether reads your Messages and Contacts databases, keeps an
AI-analyzed picture of each conversation, and serves it all
over a local HTTP API.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("tether %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(wellnessCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize tether config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(&result.OK, "Failed to get config directory: %v", err)
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(&result.OK, "Failed to get data directory: %v", err)
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(&result.OK, "Failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(&result.OK, "Failed to create data directory: %v", err)
			}

			cfg, err := config.Load()
			if err != nil {
				fail(&result.OK, "Failed to load config: %v", err)
			}

			st, err := store.Open(cfg.Store.Path, zap.NewNop())
			if err != nil {
				fail(&result.OK, "Failed to initialize database: %v", err)
			}
			st.Close()
			result.DBPath = cfg.Store.Path
			result.Message = "Tether initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nTether initialized successfully!")
			}
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if addr != "" {
				app.cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Contact load runs in the background so the server is usable
			// immediately; lookups return nothing until it completes.
			if _, err := app.contacts.Load(ctx); err != nil {
				app.log.Warn("contact directory load failed to start", zap.Error(err))
			}

			if app.cfg.IMessage.Watch && !noWatch {
				debounce := time.Duration(app.cfg.IMessage.DebounceSeconds) * time.Second
				watcher := imessage.NewWatcher(app.chatDBPath, debounce, app.log)
				go func() {
					if err := watcher.Run(ctx, app.srv.InvalidateConversations); err != nil && ctx.Err() == nil {
						app.log.Warn("message watcher stopped", zap.Error(err))
					}
				}()
			}

			if err := app.srv.Run(ctx, app.cfg.Server.Addr); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable the chat.db watcher")

	return cmd
}

func analyzeCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "analyze <chatId>",
		Short: "Analyze one conversation and store the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			msgs, err := app.source.GetMessages(ctx, imessage.Filter{ChatID: args[0], Limit: limit})
			if err != nil {
				return fmt.Errorf("fetch messages: %w", err)
			}

			result, err := app.analyzer.Analyze(ctx, args[0], msgs)
			if err != nil {
				return fmt.Errorf("analyze: %w", err)
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Sentiment:    %s\n", result.Sentiment)
				fmt.Printf("Positivity:   %.0f\n", result.PositivityScore)
				fmt.Printf("Relationship: %s\n", result.RelationshipType)
				fmt.Printf("Notes:        %s\n", result.Notes)
				for _, rec := range result.Recommendations {
					fmt.Printf("  - %s: %s\n", rec.Title, rec.Description)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "How many recent messages to analyze")

	return cmd
}

func wellnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wellness",
		Short: "Run the aggregate wellness analysis across all conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.analyzer.AnalyzeGeneralWellness(context.Background())
			if err != nil {
				return fmt.Errorf("wellness analysis: %w", err)
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Wellness score: %d/100\n", result.WellnessScore)
				fmt.Printf("Notes: %s\n", result.Notes)
				for _, c := range result.Compliments {
					fmt.Printf("  + %s: %s\n", c.Title, c.Description)
				}
				for _, r := range result.Recommendations {
					fmt.Printf("  - %s: %s\n", r.Title, r.Description)
				}
				for _, w := range result.WarningFlags {
					fmt.Printf("  ! %s: %s\n", w.Title, w.Description)
				}
			}
			return nil
		},
	}
}

// app holds the assembled dependency graph behind every command that
// touches real data.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	st         *store.Store
	source     imessage.Source
	contacts   *contacts.Directory
	analyzer   *analysis.Analyzer
	srv        *server.Server
	chatDBPath string
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	chatDBPath := cfg.IMessage.ChatDBPath
	if chatDBPath == "" {
		chatDBPath = imessage.DefaultChatDBPath()
	}
	source, err := imessage.NewChatDB(chatDBPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	contactPaths := cfg.Contacts.Paths
	if len(contactPaths) == 0 {
		contactPaths = contacts.DefaultPaths()
	}
	dir := contacts.New(contactPaths, st, log)

	reasoner, err := buildReasoner(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	analyzer := analysis.New(reasoner, st, log)

	srv := server.New(source, st, dir, analyzer, log)

	return &app{
		cfg:        cfg,
		log:        log,
		st:         st,
		source:     source,
		contacts:   dir,
		analyzer:   analyzer,
		srv:        srv,
		chatDBPath: chatDBPath,
	}, nil
}

func buildReasoner(cfg *config.Config) (analysis.Reasoner, error) {
	switch cfg.LLM.Provider {
	case "", "gemini":
		if cfg.LLM.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return gemini.NewClient(cfg.LLM.GeminiAPIKey, cfg.LLM.Model), nil
	case "openai":
		if cfg.LLM.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return openaichat.NewClient(cfg.LLM.OpenAIAPIKey, cfg.LLM.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func (a *app) Close() {
	a.st.Close()
	_ = a.log.Sync()
}

func fail(ok *bool, format string, args ...any) {
	*ok = false
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
