package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatabaseSettingsDefaultsToSQLite(t *testing.T) {
	cfg := DatabaseConfig{}
	settings := cfg.DatabaseSettings()
	require.Equal(t, "sqlite", settings.Driver)
}

func TestDatabaseSettingsPostgresAlias(t *testing.T) {
	cfg := DatabaseConfig{
		Driver: "PostgreSQL",
		Postgres: DBAuthConfig{
			Host:     " db.internal ",
			Port:     5433,
			Database: "corval",
			Username: "corval",
			Password: "secret",
		},
	}

	settings := cfg.DatabaseSettings()
	require.Equal(t, "postgres", settings.Driver)
	require.Equal(t, "db.internal", settings.Host)
	require.Equal(t, 5433, settings.Port)
	require.Equal(t, "corval", settings.Name)
	require.Equal(t, "corval", settings.User)
	require.Equal(t, "secret", settings.Password)
}

func TestDatabaseSettingsMySQL(t *testing.T) {
	cfg := DatabaseConfig{
		Driver: "mysql",
		MySQL: DBAuthConfig{
			Host:     "127.0.0.1",
			Port:     3306,
			Database: "corval",
			Username: "root",
		},
	}

	settings := cfg.DatabaseSettings()
	require.Equal(t, "mysql", settings.Driver)
	require.Equal(t, "127.0.0.1", settings.Host)
	require.Equal(t, 3306, settings.Port)
	require.Equal(t, "corval", settings.Name)
}

func TestDatabaseSettingsUnknownDriverPassedThrough(t *testing.T) {
	cfg := DatabaseConfig{Driver: "oracle"}
	settings := cfg.DatabaseSettings()
	require.Equal(t, "oracle", settings.Driver)
}
