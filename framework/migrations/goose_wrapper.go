// Package migrations предоставляет обертку над goose для управления миграциями схемы базы данных.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // goqu dialect
	"github.com/pressly/goose/v3"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

const (
	// DialectPostgres диалект PostgreSQL (совпадает в goose и goqu)
	DialectPostgres = "postgres"
	// DialectSQLite диалект SQLite (совпадает в goose и goqu)
	DialectSQLite = "sqlite3"

	versionTable = "goose_db_version"
)

// goose хранит диалект и файловую систему в глобальном состоянии
var gooseMu sync.Mutex

// Source набор миграций для одного диалекта. FS содержит файлы *.sql в корне.
type Source struct {
	Dialect string
	FS      fs.FS
}

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

// SetLogger направляет вывод goose в logger
func SetLogger(logger core.Logger) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(gooseLogger{logger: core.LoggerOrNop(logger)})
}

type gooseLogger struct {
	logger core.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (s Source) validate() error {
	if s.FS == nil {
		return fmt.Errorf("migration source has no files")
	}
	switch s.Dialect {
	case DialectPostgres, DialectSQLite:
		return nil
	default:
		return fmt.Errorf("unsupported migration dialect: %q", s.Dialect)
	}
}

// with настраивает goose под source и выполняет fn под глобальной блокировкой
func with(src Source, fn func() error) error {
	if err := src.validate(); err != nil {
		return err
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(src.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(src.Dialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return fn()
}

// RunMigrations применяет все pending миграции
func RunMigrations(ctx context.Context, db *sql.DB, src Source) error {
	return with(src, func() error {
		if err := goose.UpContext(ctx, db, "."); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RunMigrationsLimited применяет не больше steps pending миграций
func RunMigrationsLimited(ctx context.Context, db *sql.DB, src Source, steps int64) error {
	if steps <= 0 {
		return RunMigrations(ctx, db, src)
	}

	return with(src, func() error {
		current, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			// таблицы версий еще нет
			current = 0
		}

		all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		var pending []*goose.Migration
		for _, m := range all {
			if m.Version > current {
				pending = append(pending, m)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		target := pending[len(pending)-1].Version
		if int64(len(pending)) > steps {
			target = pending[steps-1].Version
		}

		if err := goose.UpToContext(ctx, db, ".", target); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigration откатывает последнюю миграцию
func RollbackMigration(ctx context.Context, db *sql.DB, src Source) error {
	return with(src, func() error {
		if err := goose.DownContext(ctx, db, "."); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	})
}

// RollbackMigrations откатывает steps миграций
func RollbackMigrations(ctx context.Context, db *sql.DB, src Source, steps int64) error {
	return with(src, func() error {
		current, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}

		all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		// версии файлов могут идти с пропусками, поэтому цель ищем по списку
		var applied []int64
		for _, m := range all {
			if m.Version <= current {
				applied = append(applied, m.Version)
			}
		}
		target := int64(0)
		if idx := int64(len(applied)) - steps - 1; idx >= 0 {
			target = applied[idx]
		}

		if err := goose.DownToContext(ctx, db, ".", target); err != nil {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		return nil
	})
}

// GetMigrationStatus возвращает статус всех миграций
func GetMigrationStatus(ctx context.Context, db *sql.DB, src Source) ([]MigrationStatus, error) {
	var statuses []MigrationStatus
	err := with(src, func() error {
		all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		current, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			current = 0
		}

		for _, m := range all {
			status := MigrationStatus{
				Version: m.Version,
				Name:    m.Source,
				Status:  "pending",
			}
			if m.Version <= current {
				appliedAt, err := appliedAt(ctx, db, src.Dialect, m.Version)
				if err != nil {
					return err
				}
				if appliedAt != nil {
					status.AppliedAt = appliedAt
					status.Status = "applied"
				}
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

func appliedAt(ctx context.Context, db *sql.DB, dialect string, version int64) (*time.Time, error) {
	query, args, err := goqu.Dialect(dialect).
		From(versionTable).
		Select("tstamp").
		Where(
			goqu.C("version_id").Eq(version),
			goqu.C("is_applied").IsTrue(),
		).
		Order(goqu.I("tstamp").Desc()).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}

	var ts time.Time
	if err := db.QueryRowContext(ctx, query, args...).Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read applied time for %d: %w", version, err)
	}
	return &ts, nil
}

// GetCurrentVersion возвращает текущую версию БД
func GetCurrentVersion(ctx context.Context, db *sql.DB, src Source) (int64, error) {
	var version int64
	err := with(src, func() error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}
