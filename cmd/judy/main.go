package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/server"
	"github.com/judyhq/judy/server/auth"
	"github.com/judyhq/judy/store"
	"github.com/judyhq/judy/store/db"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "judy",
	Short: "Streaming AI conversations with durable, recoverable history.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openStore(ctx, p)
		if err != nil {
			return err
		}
		srv, err := server.NewServer(ctx, p, s)
		if err != nil {
			_ = s.Close()
			return err
		}
		if err := srv.Start(ctx); err != nil {
			_ = s.Close()
			return err
		}
		printGreetings(p, srv.Addr())

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout())
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the message log schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context(), p)
		if err != nil {
			return err
		}
		slog.Info("migration completed", "driver", p.Driver)
		return s.Close()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <owner-id>",
	Short: "Issue an access token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		var expires time.Time
		if ttl > 0 {
			expires = time.Now().Add(ttl)
		}
		token, err := auth.GenerateAccessToken(args[0], args[0], expires, []byte(p.Secret))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", profile.DriverSQLite)
	viper.SetDefault("port", 8081)
	viper.SetDefault("backend", "echo")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", profile.DriverSQLite, "database driver: sqlite, postgres, mysql or bolt")
	flags.String("dsn", "", "database source name (required for postgres and mysql)")
	flags.String("secret", "", "access token signing secret")
	flags.String("backend", "echo", "default generation backend: echo, gemini or openrouter")
	flags.String("model", "", "model requested from the default backend")
	flags.String("gemini-api-key", "", "Gemini API key")
	flags.String("openrouter-api-key", "", "OpenRouter API key")
	flags.String("embedding-model", "", "OpenRouter embedding model for semantic recall")
	flags.Float64("temperature", 0.7, "sampling temperature")
	flags.Int("max-tokens", 2048, "maximum generated tokens per reply")
	flags.Int("checkpoint-interval", 100, "characters accumulated between checkpoints")
	flags.Duration("idle-timeout", 30*time.Second, "maximum wait for the next fragment")
	flags.Duration("max-stream-duration", 5*time.Minute, "maximum duration of one generation")
	flags.Duration("send-timeout", 10*time.Second, "maximum time one write to a caller may block")
	flags.Duration("lease-ttl", 2*time.Minute, "lease lifetime of a streaming turn")
	flags.Int("history-window", 50, "recent turns sent to the backend")
	flags.Int("page-size", 20, "default history page size")
	flags.Bool("auto-title", false, "generate a title after the first exchange")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("judy")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	tokenCmd.Flags().Duration("ttl", auth.AccessTokenDuration, "token lifetime; 0 never expires")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func loadProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:               viper.GetString("mode"),
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		Data:               viper.GetString("data"),
		Driver:             viper.GetString("driver"),
		DSN:                viper.GetString("dsn"),
		Secret:             viper.GetString("secret"),
		Backend:            viper.GetString("backend"),
		Model:              viper.GetString("model"),
		GeminiAPIKey:       viper.GetString("gemini-api-key"),
		OpenRouterAPIKey:   viper.GetString("openrouter-api-key"),
		EmbeddingModel:     viper.GetString("embedding-model"),
		Temperature:        viper.GetFloat64("temperature"),
		MaxTokens:          viper.GetInt("max-tokens"),
		CheckpointInterval: viper.GetInt("checkpoint-interval"),
		IdleTimeout:        viper.GetDuration("idle-timeout"),
		MaxStreamDuration:  viper.GetDuration("max-stream-duration"),
		SendTimeout:        viper.GetDuration("send-timeout"),
		LeaseTTL:           viper.GetDuration("lease-ttl"),
		HistoryWindow:      viper.GetInt("history-window"),
		PageSize:           viper.GetInt("page-size"),
		AutoTitle:          viper.GetBool("auto-title"),
		LogLevel:           viper.GetString("log-level"),
		LogFormat:          viper.GetString("log-format"),
		Version:            version,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	driver, err := db.NewDBDriver(p)
	if err != nil {
		slog.Error("failed to create db driver", "err", err)
		return nil, err
	}
	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		slog.Error("failed to migrate", "err", err)
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func setupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(p *profile.Profile, addr string) {
	if p.IsDev() {
		fmt.Printf("Development mode is enabled\n")
		fmt.Printf("Database driver: %s\nDSN: %s\n", p.Driver, p.DSN)
	}
	fmt.Printf("judy %s is up and running on %s\n", p.Version, addr)
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
