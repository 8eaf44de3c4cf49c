// Package main provides a CLI tool for managing lobby credential accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	username := flag.String("username", "", "account username (required)")
	password := flag.String("password", "", "account password (required)")
	reset := flag.Bool("reset", false, "replace the password of an existing account")
	remove := flag.Bool("delete", false, "delete the account")
	flag.Parse()

	if *username == "" || (*password == "" && !*remove) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if !cfg.Database.Enabled {
		log.Fatalf("database.enabled is false in %s", *configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewAccountRepository(pool.DB())

	if *remove {
		if err := repo.Delete(ctx, *username); err != nil {
			log.Fatalf("deleting %q: %v", *username, err)
		}
		fmt.Fprintf(os.Stdout, "deleted account %s [%s]\n", *username, time.Since(start))
		return
	}

	if *reset {
		if err := repo.SetPassword(ctx, *username, *password); err != nil {
			log.Fatalf("resetting password for %q: %v", *username, err)
		}
		fmt.Fprintf(os.Stdout, "reset password for %s [%s]\n", *username, time.Since(start))
		return
	}

	acct, err := repo.Create(ctx, *username, *password)
	if err != nil {
		log.Fatalf("creating account %q: %v", *username, err)
	}
	fmt.Fprintf(os.Stdout, "created account %s (#%d) [%s]\n", acct.Username, acct.ID, time.Since(start))
}
