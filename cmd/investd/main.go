package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/core/llm"
	"github.com/ishenli/investment-agent/ai/metrics"
	"github.com/ishenli/investment-agent/ai/observability/logging"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/ai/summary"
	"github.com/ishenli/investment-agent/internal/profile"
	"github.com/ishenli/investment-agent/internal/version"
	"github.com/ishenli/investment-agent/server"
	"github.com/ishenli/investment-agent/store"
	"github.com/ishenli/investment-agent/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "investd",
		Short: `A personal investment assistant that streams grounded answers about your portfolio.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd units provide their own environment.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := loadProfile()
			logging.Setup(os.Stderr, instanceProfile.Mode, viper.GetString("log-level"))

			ctx, cancel := context.WithCancel(context.Background())
			storeInstance, err := openStore(ctx, instanceProfile)
			if err != nil {
				cancel()
				slog.Error("failed to open store", "error", err)
				return
			}

			exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
			guard := registry.NewWorkGuard()
			svc, err := newAssistantService(instanceProfile, storeInstance, guard, exporter)
			if err != nil {
				cancel()
				slog.Error("failed to create assistant service", "error", err)
				return
			}

			s, err := server.NewServer(ctx, instanceProfile, storeInstance, svc, guard, exporter)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			c := make(chan os.Signal, 2)
			signal.Notify(c, shutdownSignals...)

			if err := s.Start(ctx); err != nil {
				slog.Error("failed to start server", "error", err)
				cancel()
				return
			}

			printGreetings(instanceProfile)

			go func() {
				sig := <-c
				slog.Info("shutting down, waiting for in-flight replies", "signal", sig.String())
				go func() {
					<-c
					slog.Warn("forced exit before replies finished")
					os.Exit(1)
				}()
				s.Shutdown(ctx)
				cancel()
			}()

			// Wait for CTRL-C.
			<-ctx.Done()
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instanceProfile := loadProfile()
			logging.Setup(os.Stderr, instanceProfile.Mode, viper.GetString("log-level"))
			storeInstance, err := openStore(cmd.Context(), instanceProfile)
			if err != nil {
				return err
			}
			defer storeInstance.Close()
			slog.Info("database migrated", "driver", instanceProfile.Driver)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.StringFull())
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)
	viper.SetDefault("log-level", "info")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("unix-sock", "", "path to the unix socket, overrides --addr and --port")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	for _, name := range []string{"mode", "addr", "port", "unix-sock", "data", "driver", "dsn", "log-level"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("invest")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(migrateCmd, versionCmd)
}

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:     viper.GetString("mode"),
		Addr:     viper.GetString("addr"),
		Port:     viper.GetInt("port"),
		UNIXSock: viper.GetString("unix-sock"),
		Data:     viper.GetString("data"),
		Driver:   viper.GetString("driver"),
		DSN:      viper.GetString("dsn"),
		Version:  version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		panic(err)
	}
	return instanceProfile
}

func openStore(ctx context.Context, instanceProfile *profile.Profile) (*store.Store, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		printDatabaseError(err, instanceProfile)
		return nil, err
	}
	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return storeInstance, nil
}

func newAssistantService(p *profile.Profile, st *store.Store, guard *registry.WorkGuard, exporter *metrics.PrometheusExporter) (*assistant.Service, error) {
	llmConfig := &llm.Config{
		Provider: p.LLMProvider,
		Model:    p.LLMModel,
		APIKey:   p.LLMAPIKey,
		BaseURL:  p.LLMBaseURL,
		Timeout:  p.LLMTimeout,
	}
	transport, err := llm.NewStreamTransport(llmConfig)
	if err != nil {
		return nil, err
	}

	opts := []assistant.Option{assistant.WithRecorder(exporter)}
	if p.IsAIEnabled() {
		llmService, err := llm.NewService(llmConfig)
		if err != nil {
			return nil, err
		}
		opts = append(opts, assistant.WithSummarizer(summary.NewHistorySummarizer(llmService)))

		// Best effort: a cold connection only costs the first request.
		go func() {
			warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer warmupCancel()
			llmService.Warmup(warmupCtx)
		}()
		slog.Info("LLM service initialized", "provider", p.LLMProvider, "model", p.LLMModel)
	} else {
		slog.Warn("LLM API key not configured, replies will fail upstream", "provider", p.LLMProvider)
	}

	return assistant.NewService(
		chat.NewConversationStore(),
		registry.New(guard),
		st,
		transport,
		assistant.Config{
			Model:            transport.Model(),
			Endpoint:         llm.ChatCompletionsPath,
			SystemPrompt:     p.SystemPrompt,
			HistoryThreshold: p.HistoryThreshold,
			SmoothingSpeed:   p.SmoothingSpeed,
			SummaryRate:      p.SummaryRate,
		},
		opts...,
	), nil
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("investd %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("LLM: %s/%s\n", profile.LLMProvider, profile.LLMModel)

	if len(profile.UNIXSock) == 0 {
		if len(profile.Addr) == 0 {
			fmt.Printf("Server running on port %d\n", profile.Port)
		} else {
			fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
		}
	} else {
		fmt.Printf("Server running on unix socket: %s\n", profile.UNIXSock)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError gives a hint for the common connection failures.
func printDatabaseError(err error, profile *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "PostgreSQL is not reachable. Start it or use --driver=sqlite.")
	case strings.Contains(errMsg, "sslmode") || strings.Contains(errMsg, "SSL is not enabled"):
		fmt.Fprintln(os.Stderr, "Add ?sslmode=disable to your DSN.")
	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "Check the credentials in your DSN or .env file.")
	case strings.Contains(errMsg, "dsn required"):
		fmt.Fprintf(os.Stderr, "Driver %s needs --dsn or INVEST_DSN.\n", profile.Driver)
	default:
		fmt.Fprintln(os.Stderr, "Error:", errMsg)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
