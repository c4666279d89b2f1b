package test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/store"
	"github.com/judyhq/judy/store/db"
)

var (
	databaseCounter atomic.Int64

	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// NewTestingStore returns a migrated store backed by the driver named in the
// DRIVER environment variable. sqlite is used when it is unset.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	p := getTestingProfile(ctx, t)
	driver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}
	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func getTestingProfile(ctx context.Context, t *testing.T) *profile.Profile {
	dir := t.TempDir()
	driver := getDriverFromEnv()
	p := &profile.Profile{
		Mode:   "dev",
		Data:   dir,
		Driver: driver,
	}
	switch driver {
	case profile.DriverSQLite:
		p.DSN = filepath.Join(dir, "judy_test.db")
	case profile.DriverBolt:
		p.DSN = filepath.Join(dir, "judy_test.bolt")
	case profile.DriverPostgres, profile.DriverMySQL:
		adminDSN, err := containerDSNFor(ctx, driver)
		if err != nil {
			t.Skipf("database container unavailable: %v", err)
		}
		dsn, err := createTestingDatabase(ctx, driver, adminDSN)
		if err != nil {
			t.Fatalf("failed to create testing database: %v", err)
		}
		p.DSN = dsn
	default:
		t.Fatalf("unknown DRIVER %q", driver)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("invalid testing profile: %v", err)
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = profile.DriverSQLite
	}
	return driver
}

// containerDSNFor starts one database container per test binary.
func containerDSNFor(ctx context.Context, driver string) (string, error) {
	containerOnce.Do(func() {
		switch driver {
		case profile.DriverPostgres:
			var c *postgres.PostgresContainer
			c, containerErr = postgres.Run(ctx, "postgres:16-alpine",
				postgres.WithDatabase("judy"),
				postgres.WithUsername("judy"),
				postgres.WithPassword("judy"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(time.Minute),
				),
			)
			if containerErr == nil {
				containerDSN, containerErr = c.ConnectionString(ctx, "sslmode=disable")
			}
		case profile.DriverMySQL:
			var c *mysql.MySQLContainer
			c, containerErr = mysql.Run(ctx, "mysql:8.0",
				mysql.WithDatabase("judy"),
				mysql.WithUsername("root"),
				mysql.WithPassword("judy"),
			)
			if containerErr == nil {
				containerDSN, containerErr = c.ConnectionString(ctx)
			}
		default:
			containerErr = fmt.Errorf("no container for driver %q", driver)
		}
	})
	return containerDSN, containerErr
}

// createTestingDatabase creates an empty database in the shared container so
// every test starts from a clean log.
func createTestingDatabase(ctx context.Context, driver, adminDSN string) (string, error) {
	name := fmt.Sprintf("judy_test_%d", databaseCounter.Add(1))

	var sqlDriver, dsn string
	switch driver {
	case profile.DriverPostgres:
		u, err := url.Parse(adminDSN)
		if err != nil {
			return "", err
		}
		u.Path = "/" + name
		sqlDriver, dsn = "postgres", u.String()
	case profile.DriverMySQL:
		cfg, err := mysqldriver.ParseDSN(adminDSN)
		if err != nil {
			return "", err
		}
		cfg.DBName = name
		sqlDriver, dsn = "mysql", cfg.FormatDSN()
	default:
		return "", fmt.Errorf("no testing database for driver %q", driver)
	}

	admin, err := sql.Open(sqlDriver, adminDSN)
	if err != nil {
		return "", err
	}
	defer admin.Close()
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		return "", err
	}
	return dsn, nil
}
