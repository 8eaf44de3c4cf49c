// Package main applies or rolls back the lobby schema migrations.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "migrations", "directory holding the SQL migrations")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	status := flag.Bool("status", false, "print the current schema version and exit")
	flag.Parse()

	dbCfg, err := loadDatabaseConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var res postgres.MigrationResult
	if *status {
		res, err = postgres.MigrationStatus(dbCfg.DSN(), *dir)
	} else {
		res, err = postgres.Migrate(dbCfg.DSN(), *dir, postgres.Direction(*direction), *steps)
	}
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	elapsed := time.Since(start)
	switch {
	case *status:
		fmt.Fprintf(os.Stdout, "schema version=%d dirty=%v [%s]\n", res.Version, res.Dirty, elapsed)
	case res.NoChange:
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, elapsed)
	default:
		fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", *direction, res.Version, res.Dirty, elapsed)
	}
}

// loadDatabaseConfig reads only the database section so migrations can run
// before the rest of the file validates. LOBBY_DATABASE_* variables override it.
func loadDatabaseConfig(path string) (config.DatabaseConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config.SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg config.DatabaseConfig
	if err := v.UnmarshalKey("database", &cfg); err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("parsing database config: %w", err)
	}
	return cfg, nil
}
