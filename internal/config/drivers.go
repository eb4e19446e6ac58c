package config

import (
	"strings"

	"github.com/markgate/markgate/internal/connector"
	"github.com/markgate/markgate/internal/connector/mssql"
	"github.com/markgate/markgate/internal/connector/mysql"
	"github.com/markgate/markgate/internal/connector/postgres"
	"github.com/markgate/markgate/internal/connector/sqlite"
)

var drivers = newDriverRegistry()

func newDriverRegistry() *connector.Registry {
	r := connector.NewRegistry()
	r.RegisterDriver("sqlite", sqlite.New, "sqlite3")
	r.RegisterDriver("postgres", postgres.New, "postgresql", "pgx")
	r.RegisterDriver("mysql", mysql.New, "mariadb")
	r.RegisterDriver("sqlserver", mssql.New, "mssql")
	return r
}

// ResolveDriver returns the canonical storage driver name. An empty name
// selects sqlite.
func ResolveDriver(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "sqlite", nil
	}
	return drivers.Resolve(name)
}

// StorageDrivers lists the supported storage drivers.
func StorageDrivers() []string {
	return drivers.Drivers()
}
