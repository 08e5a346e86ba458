package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер pgx для database/sql
	_ "modernc.org/sqlite"             // драйвер sqlite для database/sql

	"github.com/akriventsev/potter-eventstore/framework/config"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/migrations"
)

func runMigrate(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate requires a subcommand: up, down, status, version")
	}
	migrations.SetLogger(cfg.NewLogger())

	db, src, err := openMigrationDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sub, rest := args[0], args[1:]
	switch sub {
	case "up":
		if len(rest) == 0 {
			if err := migrations.RunMigrations(ctx, db, src); err != nil {
				return err
			}
		} else {
			steps, err := parseSteps(rest[0])
			if err != nil {
				return err
			}
			if err := migrations.RunMigrationsLimited(ctx, db, src, steps); err != nil {
				return err
			}
		}
		fmt.Println("Migrations applied successfully")
	case "down":
		steps := int64(1)
		if len(rest) > 0 {
			if steps, err = parseSteps(rest[0]); err != nil {
				return err
			}
		}
		if err := migrations.RollbackMigrations(ctx, db, src, steps); err != nil {
			return err
		}
		fmt.Printf("Rolled back %d migration(s)\n", steps)
	case "status":
		statuses, err := migrations.GetMigrationStatus(ctx, db, src)
		if err != nil {
			return err
		}
		fmt.Println("Migration Status:")
		for _, s := range statuses {
			fmt.Printf("  [%s] %d %s", s.Status, s.Version, s.Name)
			if s.AppliedAt != nil {
				fmt.Printf(" (applied at %s)", s.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
		}
	case "version":
		version, err := migrations.GetCurrentVersion(ctx, db, src)
		if err != nil {
			return err
		}
		if version == 0 {
			fmt.Println("No migrations applied")
		} else {
			fmt.Println(version)
		}
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
	return nil
}

func parseSteps(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("steps must be a positive number, got %q", s)
	}
	return n, nil
}

// openMigrationDB открывает database/sql соединение для SQL backend'ов
func openMigrationDB(cfg config.Config) (*sql.DB, migrations.Source, error) {
	switch cfg.Backend {
	case eventsourcing.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, migrations.Source{}, fmt.Errorf("failed to open postgres: %w", err)
		}
		return db, eventsourcing.PostgresMigrations(), nil
	case eventsourcing.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, migrations.Source{}, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return db, eventsourcing.SQLiteMigrations(), nil
	default:
		return nil, migrations.Source{}, fmt.Errorf("backend %q has no SQL schema to migrate", cfg.Backend)
	}
}
