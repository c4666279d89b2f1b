package db

import (
	"github.com/pkg/errors"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/store"
	"github.com/judyhq/judy/store/db/bolt"
	"github.com/judyhq/judy/store/db/mysql"
	"github.com/judyhq/judy/store/db/postgres"
	"github.com/judyhq/judy/store/db/sqlite"
)

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(p *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch p.Driver {
	case profile.DriverSQLite:
		driver, err = sqlite.NewDB(p)
	case profile.DriverMySQL:
		driver, err = mysql.NewDB(p)
	case profile.DriverPostgres:
		driver, err = postgres.NewDB(p)
	case profile.DriverBolt:
		driver, err = bolt.NewDB(p)
	default:
		return nil, errors.Errorf("unknown db driver %q", p.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
