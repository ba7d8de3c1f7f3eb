package store

import (
	"context"
	"fmt"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects with basic auth and verifies connectivity before
// returning the store.
func NewNeo4jStore(ctx context.Context, uri, username, password, database string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return newNeo4jStore(&driverRunner{driver: driver, database: database})
}

func (d *driverRunner) Run(ctx context.Context, cypher string, params map[string]any, write bool) ([]map[string]any, error) {
	res, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer, d.queryOptions(write)...)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(res.Records))
	for _, rec := range res.Records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}

// queryOptions routes writes to the cluster leader and reads to any member.
func (d *driverRunner) queryOptions(write bool) []neo4j.ExecuteQueryConfigurationOption {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if write {
		opts[0] = neo4j.ExecuteQueryWithWritersRouting()
	}
	if d.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(d.database))
	}
	return opts
}

func (d *driverRunner) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}
