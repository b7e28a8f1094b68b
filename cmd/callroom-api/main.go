package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/config"
	"github.com/MarcoPoloResearchLab/callroom/internal/crm"
	"github.com/MarcoPoloResearchLab/callroom/internal/database"
	"github.com/MarcoPoloResearchLab/callroom/internal/logging"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	"github.com/MarcoPoloResearchLab/callroom/internal/server"
	"github.com/MarcoPoloResearchLab/callroom/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "callroom-api",
		Short: "Sales call coordination service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "SQLite path or Postgres DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, development)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer and invite signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for single-use invites")
	cmd.PersistentFlags().String("crm-base-url", defaults.GetString("crm.base_url"), "CRM API base URL; empty disables CRM writes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "crm.base_url", "crm-base-url")
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

// newIssueTokenCommand signs a bearer credential for local testing against a
// running server that shares the signing secret.
func newIssueTokenCommand() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Print a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAccessToken(cmd.Context(), args[0], roles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim to include (repeatable)")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		InviteTTL:     appConfig.InviteTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	validator, err := auth.NewCredentialValidator(auth.CredentialValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	guard, closeGuard, err := openRedemptionGuard(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	var crmWriter crm.Writer = crm.Nop{}
	if appConfig.CRMBaseURL != "" {
		client, err := crm.NewClient(crm.ClientConfig{
			BaseURL: appConfig.CRMBaseURL,
			APIKey:  appConfig.CRMAPIKey,
			Timeout: appConfig.CRMTimeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		crmWriter = client
	} else {
		logger.Warn("crm base url not configured, lead updates and insights stay local")
	}

	registry, err := session.NewRegistry(session.Config{
		Store:            store,
		Fanout:           realtime.NewDispatcher(appConfig.SendBuffer),
		Invites:          issuer,
		Guard:            guard,
		CRM:              crmWriter,
		Logger:           logger,
		AllowPreCallChat: appConfig.AllowPreCallChat,
		HostRoles:        appConfig.HostRoles,
		MailboxSize:      appConfig.MailboxSize,
		IdleEviction:     appConfig.IdleEviction,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	sweeper, err := session.NewSweeper(registry, appConfig.SweepSchedule, logger)
	if err != nil {
		return err
	}
	sweeper.Start()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Registry:  registry,
		Connections: realtime.ConnConfig{
			SendBuffer:   appConfig.SendBuffer,
			WriteTimeout: appConfig.WriteTimeout,
			PingInterval: appConfig.PingInterval,
			Logger:       logger,
		},
		ICEURLs:            appConfig.ICEURLs,
		NegotiationTimeout: appConfig.NegotiationTimeout,
		JoinLinkBaseURL:    appConfig.JoinLinkBaseURL,
		Logger:             logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sweeper.Stop(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		sweeper.Stop(context.Background())
		return err
	}
}

// openRedemptionGuard returns nil when invites are reusable until expiry.
func openRedemptionGuard(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (auth.RedemptionGuard, func(), error) {
	if !appConfig.InviteSingleUse {
		return nil, func() {}, nil
	}
	if appConfig.RedisAddress == "" {
		logger.Warn("single-use invites enforced in memory, bindings are lost on restart")
		return auth.NewMemoryRedemptionGuard(time.Now), func() {}, nil
	}
	client, err := auth.OpenRedis(ctx, auth.RedisConfig{Addr: appConfig.RedisAddress})
	if err != nil {
		return nil, nil, err
	}
	return auth.NewRedisRedemptionGuard(client), func() { _ = client.Close() }, nil
}
