package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/ingest"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/server"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "courier-core",
		Short:        "Identity and group consistency core for chat over email",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newProcessCommand(), newOutboxCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding one SQLite database per account")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Pipeline token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Pipeline token lifetime")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the outgoing bundle queue (empty disables)")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (empty allows all)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local pipeline API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject  string
		accounts []string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a receive or send pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssuePipelineToken(cmd.Context(), subject, accounts)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "pipeline", "Token subject")
	issue.Flags().StringSliceVar(&accounts, "account", nil, "Account the token is limited to (repeatable, empty allows all)")

	token := &cobra.Command{
		Use:   "token",
		Short: "Manage pipeline tokens",
	}
	token.AddCommand(issue)
	return token
}

func newProcessCommand() *cobra.Command {
	var (
		account string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one message JSON file against an account database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, account, file)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account address the message was received by")
	cmd.Flags().StringVar(&file, "file", "", "Path to the message JSON")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newOutboxCommand() *cobra.Command {
	var (
		account string
		limit   int64
	)
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List correction bundles waiting in the Redis outbox of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxPending(cmd, account, limit)
		},
	}
	pending.Flags().StringVar(&account, "account", "", "Account address whose outbox is listed")
	pending.Flags().Int64Var(&limit, "limit", 100, "Maximum number of bundles to list")
	_ = pending.MarkFlagRequired("account")

	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outgoing bundle queue",
	}
	outboxCmd.AddCommand(pending)
	return outboxCmd
}

func runOutboxPending(cmd *cobra.Command, rawAccount string, limit int64) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.RedisAddress == "" {
		return errors.New("redis address is not configured")
	}
	account, err := wire.ParseAddress(rawAccount)
	if err != nil {
		return err
	}
	client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	defer client.Close()
	queue, err := outbox.NewRedisQueue(outbox.RedisQueueConfig{Client: client, KeyPrefix: appConfig.RedisKeyPrefix})
	if err != nil {
		return err
	}
	bundles, err := queue.Pending(cmd.Context(), account, limit)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(bundles)
}

func runProcess(cmd *cobra.Command, rawAccount, file string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	account, err := wire.ParseAddress(rawAccount)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var message wire.RawMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}

	registry, err := ingest.NewRegistry(ingest.RegistryConfig{
		DataDir: appConfig.DataDir,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer registry.Close() //nolint:errcheck

	result, err := registry.Process(cmd.Context(), account, message)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	dispatcher := outbox.NewDispatcher()
	queue := outbox.Fanout{dispatcher}
	if appConfig.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer client.Close()
		redisQueue, err := outbox.NewRedisQueue(outbox.RedisQueueConfig{
			Client:    client,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		queue = append(queue, redisQueue)
		logger.Info("redis outbox enabled", zap.String("address", appConfig.RedisAddress))
	}

	registry, err := ingest.NewRegistry(ingest.RegistryConfig{
		DataDir: appConfig.DataDir,
		Clock:   time.Now,
		Outbox:  queue,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		accounts := registry.Accounts()
		if closeErr := registry.Close(); closeErr != nil {
			logger.Error("failed to close account databases", zap.Error(closeErr))
			return
		}
		logger.Info("account databases closed", zap.Int("accounts", len(accounts)))
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Registry:       registry,
		Outbox:         dispatcher,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("data_dir", appConfig.DataDir))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
