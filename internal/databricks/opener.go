package databricks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbsql "github.com/databricks/databricks-sql-go"

	"github.com/litesql/databricks-mcp/internal/credentials"
)

const defaultPort = 443

// WarehouseOpener connects to a Databricks SQL warehouse with credentials
// resolved at open time.
type WarehouseOpener struct {
	Credentials credentials.Provider
	Port        int
	Catalog     string
	Schema      string
	UserAgent   string
	Timeout     time.Duration
}

func (o *WarehouseOpener) Open(ctx context.Context) (*sql.DB, error) {
	params, err := o.Credentials.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	port := o.Port
	if port == 0 {
		port = defaultPort
	}
	opts := []dbsql.ConnOption{
		dbsql.WithServerHostname(params.Hostname()),
		dbsql.WithPort(port),
		dbsql.WithHTTPPath(params.HTTPPath),
		dbsql.WithAccessToken(params.Token),
	}
	if o.Catalog != "" || o.Schema != "" {
		opts = append(opts, dbsql.WithInitialNamespace(o.Catalog, o.Schema))
	}
	if o.UserAgent != "" {
		opts = append(opts, dbsql.WithUserAgentEntry(o.UserAgent))
	}
	if o.Timeout > 0 {
		opts = append(opts, dbsql.WithTimeout(o.Timeout))
	}
	connector, err := dbsql.NewConnector(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create databricks connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// DSNOpener opens one of DSNDrivers with a plain data source name. Used for
// local development backends and non Databricks warehouses.
type DSNOpener struct {
	Driver string
	DSN    string
}

func (o *DSNOpener) Open(_ context.Context) (*sql.DB, error) {
	if !supportedDriver(o.Driver) {
		return nil, fmt.Errorf("unsupported driver %q", o.Driver)
	}
	db, err := sql.Open(o.Driver, o.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", o.Driver, err)
	}
	return db, nil
}
