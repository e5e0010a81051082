// Command kirobridge runs the gateway's HTTP server: it loads the JSON
// config and credentials files, wires the credential pool, token manager,
// upstream client, translation pipeline, and admin/messages routes, then
// serves until told to shut down. Flag parsing and the fatal-on-bad-config
// exit-code convention follow the teacher's CLI examples
// (_examples/batalabs-muxd/main.go: flag.Parse, os.Exit(1) on setup error).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirobridge/kirobridge/internal/config"
	"github.com/kirobridge/kirobridge/internal/credential"
	"github.com/kirobridge/kirobridge/internal/kiroclient"
	"github.com/kirobridge/kirobridge/internal/pipeline"
	"github.com/kirobridge/kirobridge/internal/server"
	"github.com/kirobridge/kirobridge/internal/tokencount"
	"github.com/kirobridge/kirobridge/web/admin"
)

const (
	defaultConfigPath      = "./config.json"
	defaultCredentialsPath = "./credentials.json"
)

func main() {
	configPath := flag.String("c", defaultConfigPath, "path to the gateway config file")
	credentialsPath := flag.String("credentials", defaultCredentialsPath, "path to the credentials file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}

	creds, err := credential.Load(*credentialsPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}

	store := credential.NewFileStore(*credentialsPath)

	pool := credential.NewPool(creds, credential.PoolConfig{Store: store})
	store.SetPool(pool)

	tokens := credential.NewTokenManager(credential.TokenManagerConfig{DefaultRegion: cfg.Region}, pool)
	pool.SetTokens(tokens)

	client := kiroclient.New(kiroclient.Config{
		ProxyURL:      cfg.ProxyURL,
		ProxyUsername: cfg.ProxyUsername,
		ProxyPassword: cfg.ProxyPassword,
	})

	pl := pipeline.New(pool, tokens, client, pipeline.Config{
		MachineIDDefault: cfg.MachineID,
		KiroVersion:      cfg.KiroVersion,
		SystemVersion:    cfg.SystemVersion,
		NodeVersion:      cfg.NodeVersion,
		Region:           cfg.Region,
	})

	var countTokensAuth tokencount.AuthType
	switch cfg.CountTokensAuthType {
	case config.AuthTypeBearer:
		countTokensAuth = tokencount.AuthTypeBearer
	default:
		countTokensAuth = tokencount.AuthTypeAPIKey
	}
	counter := tokencount.New(tokencount.Config{
		RemoteURL: cfg.CountTokensAPIURL,
		RemoteKey: cfg.CountTokensAPIKey,
		AuthType:  countTokensAuth,
	})

	adminUI := admin.FileSystem()

	srv := server.New(server.Config{
		APIKey:      cfg.APIKey,
		AdminAPIKey: cfg.AdminAPIKey,
		Pool:        pool,
		Pipeline:    pl,
		Client:      client,
		Counter:     counter,
		AdminUI:     adminUI,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("kirobridge listening on %s", cfg.Addr())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("fatal: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Print("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			os.Exit(1)
		}
	}
}
