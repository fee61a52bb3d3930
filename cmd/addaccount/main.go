// Package main provides a CLI tool for creating lobby accounts offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/config"
	"github.com/cory-johannsen/gamestore/internal/storage"
	"github.com/cory-johannsen/gamestore/internal/storage/driver"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	username := flag.String("username", "", "account username (required)")
	password := flag.String("password", "", "account password (required)")
	role := flag.String("role", string(storage.RolePlayer), "role to register: player or developer")
	flag.Parse()

	if *username == "" || *password == "" {
		flag.Usage()
		os.Exit(1)
	}

	if !storage.ValidRole(storage.Role(*role)) {
		log.Fatalf("invalid role %q: must be one of player, developer", *role)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := driver.Open(ctx, cfg.Storage, cfg.Database, driver.Options{}, zap.NewNop())
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	if err := store.Register(ctx, *username, *password, storage.Role(*role)); err != nil {
		log.Fatalf("registering %s as %s: %v", *username, *role, err)
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stdout, "registered %s (%s) in %s store [%s]\n",
		*username, *role, cfg.Storage.Driver, elapsed)
}
