package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/DataHandover/internal/adapter/postgres"
	"github.com/Strob0t/DataHandover/internal/config"
)

// runAdmin dispatches admin subcommands (migrate).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: datahandover admin <command> [options]

Commands:
  migrate up          Apply all pending migrations
  migrate down        Roll back migrations
  migrate version     Show the current migration version
  help                Show this help message

Examples:
  datahandover admin migrate up
  datahandover admin migrate down --steps 1
  datahandover admin migrate version
`)
}

func runAdminMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate requires a direction: up, down or version")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("migrations applied")
		return nil

	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Printf("rolled back %d migration(s)\n", *steps)
		return nil

	case "version":
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		fmt.Printf("migration version: %d\n", v)
		return nil

	default:
		return fmt.Errorf("unknown migrate direction: %s", args[0])
	}
}
