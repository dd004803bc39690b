package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"campuschat/backplane"
	"campuschat/config"
	"campuschat/crypto"
	"campuschat/discovery"
	"campuschat/network"
	"campuschat/notify"
	"campuschat/presence"
	"campuschat/storage"
)

const usage = `usage:
  campuschat [serve] [--config PATH] [--listen ADDR]
  campuschat token --user NAME [--ttl 24h] [--config PATH]
  campuschat discover [--timeout 3s]
`

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServe(args)
	case "token":
		err = runToken(args)
	case "discover":
		err = runDiscover(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func runServe(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config.json or a .yaml config file")
	listen := flags.String("listen", "", "listen address, overrides the config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, cfgPath, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Instance Name:   %s\n", cfg.InstanceName)
	fmt.Printf("Listen Address:  %s\n", cfg.ListenAddress)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}()
	fmt.Printf("Database:        %s\n", store.Driver())

	bp, err := openBackplane(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bp.Close(); err != nil {
			logger.Warn("backplane close error", "error", err)
		}
	}()
	fmt.Printf("Backplane:       %s\n", cfg.BackplaneDriver)

	mode, err := presence.ParseMode(cfg.PresenceMode)
	if err != nil {
		return err
	}
	tracker, err := presence.NewTracker(store, presence.Options{
		InstanceID: cfg.InstanceID,
		Mode:       mode,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	relay, err := network.NewRelay(store, bp, network.RelayOptions{
		InstanceID: cfg.InstanceID,
		Retention:  cfg.EventRetention(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	relay.Start()
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("relay close error", "error", err)
		}
	}()

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	server, err := network.NewServer(network.Dependencies{
		Store:         store,
		Presence:      tracker,
		Notifier:      notify.NewDispatcher(store, logger),
		Backplane:     bp,
		Relay:         relay,
		Authenticator: authenticator,
	}, network.ServerOptions{
		InstanceID: cfg.InstanceID,
		Connection: network.ConnectionOptions{
			KeepAliveInterval: cfg.KeepAliveInterval(),
			KeepAliveTimeout:  cfg.KeepAliveTimeout(),
		},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if err := server.RecoverPresence(ctx); err != nil {
		return fmt.Errorf("recover presence: %w", err)
	}

	if cfg.AdvertiseMDNS {
		advertiser, err := startAdvertiser(cfg)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(cfg.ListenAddress)
	}()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	return nil
}

func runToken(args []string) error {
	flags := pflag.NewFlagSet("token", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config.json or a .yaml config file")
	user := flags.String("user", "", "identity the token is issued to")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}

	cfg, _, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	privateKey, _, err := crypto.EnsureIssuerKeyPair(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath)
	if err != nil {
		return err
	}

	token, err := crypto.IssueToken(privateKey, *user, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runDiscover(args []string) error {
	flags := pflag.NewFlagSet("discover", pflag.ExitOnError)
	timeout := flags.Duration("timeout", discovery.DefaultScanTimeout, "how long to listen for answers")
	if err := flags.Parse(args); err != nil {
		return err
	}

	instances, err := discovery.Browse(context.Background(), discovery.Config{ScanTimeout: *timeout}, "")
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("no campuschat instances found")
		return nil
	}
	for _, instance := range instances {
		fmt.Printf("%-24s %s:%d  id=%s\n", instance.Name, instance.HostName, instance.Port, instance.InstanceID)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.ServerConfig) (*storage.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverPostgres:
		store, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, nil
	default:
		if cfg.DatabaseURL != "" {
			store, err := storage.OpenPath(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open sqlite: %w", err)
			}
			return store, nil
		}
		store, _, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil
	}
}

func openBackplane(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (backplane.Backplane, error) {
	if cfg.BackplaneDriver == config.BackplaneDriverRedis {
		bp, err := backplane.NewRedis(ctx, cfg.RedisURL, backplane.RedisOptions{
			Prefix: cfg.RedisPrefix,
			Origin: cfg.InstanceID,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect backplane: %w", err)
		}
		return bp, nil
	}
	return backplane.NewMemory(backplane.MemoryOptions{Logger: logger}), nil
}

func newAuthenticator(cfg *config.ServerConfig) (network.Authenticator, error) {
	if cfg.AuthMode == config.AuthModeHeader {
		return network.HeaderAuthenticator{Header: cfg.TrustedUserHeader}, nil
	}

	_, publicKey, err := crypto.EnsureIssuerKeyPair(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare token issuer key: %w", err)
	}
	verifier, err := crypto.NewTokenVerifier(publicKey)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Token Key ID:    %s\n", crypto.KeyID(publicKey))
	return network.NewTokenAuthenticator(verifier)
}

func startAdvertiser(cfg *config.ServerConfig) (*discovery.Advertiser, error) {
	port, err := discovery.PortFromAddress(cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	return discovery.StartAdvertiser(discovery.Config{
		InstanceID:   cfg.InstanceID,
		InstanceName: cfg.InstanceName,
		Port:         port,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
