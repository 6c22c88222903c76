package databricks

import (
	"database/sql"
	"slices"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"
)

// DSNDrivers are the database/sql drivers DSNOpener accepts besides the
// Databricks warehouse connector.
var DSNDrivers = []string{"pgx", "sqlite", "sqlserver", "oracle"}

func supportedDriver(name string) bool {
	return slices.Contains(DSNDrivers, name) && slices.Contains(sql.Drivers(), name)
}
