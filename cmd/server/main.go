// Command server runs the PairChat relay together with its directory API.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/pairchat/pkg/server"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "~/.pairchat/server.toml", "Path to the TOML config file (created with defaults if missing)")
	envFile := flag.String("env", ".env", "Environment file loaded before config overrides")
	debug := flag.Bool("debug", false, "Write verbose logs to debug.log in the data directory")
	flag.Parse()

	// Real environment variables win over the file
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()

	srv, err := server.NewServer(config, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("PairChat server started (tcp=%d http=%d ssh=%d bilateral_join=%v require_token=%v)",
		config.TCPPort, config.HTTPPort, config.SSHPort, config.BilateralJoin, config.RequireToken)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
