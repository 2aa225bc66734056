package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/loomhq/loom/runtime/action"
)

// queryTimeout bounds one databaseQuery invocation.
const queryTimeout = 30 * time.Second

// DatabaseQuery returns the databaseQuery action. Configuration: query
// (required), params (list), credentialId (data carries connectionString)
// or an inline connectionString. Rows come back as a list of column
// mappings.
func DatabaseQuery(cfg Config) action.Func {
	open := cfg.OpenDB
	if open == nil {
		open = func(_ context.Context, driver, dsn string) (*sqlx.DB, error) {
			return sqlx.Open(driver, dsn)
		}
	}
	return func(ctx context.Context, in action.Input) action.Result {
		query := str(in.Data, "query")
		if query == "" {
			return action.Fail("databaseQuery node requires a query")
		}
		dsn := str(in.Data, "connectionString")
		if id := str(in.Data, "credentialId"); id != "" && in.Services != nil {
			data, err := in.Services.Credential(ctx, id)
			if err != nil {
				return action.Failf("resolve credential: %v", err)
			}
			if s, ok := data["connectionString"].(string); ok && s != "" {
				dsn = s
			}
		}
		if dsn == "" {
			return action.Fail("databaseQuery node requires a connection string")
		}

		var params []any
		if raw, ok := in.Data["params"].([]any); ok {
			params = raw
		}

		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		db, err := open(ctx, "postgres", dsn)
		if err != nil {
			return action.Failf("open database: %v", err)
		}
		defer db.Close()

		rows, err := db.QueryxContext(ctx, query, params...)
		if err != nil {
			return action.Failf("query failed: %v", err)
		}
		defer rows.Close()

		out := []map[string]any{}
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				return action.Failf("scan row: %v", err)
			}
			out = append(out, normalizeRow(row))
		}
		if err := rows.Err(); err != nil {
			return action.Failf("read rows: %v", err)
		}
		return action.OK(map[string]any{
			"rows":     out,
			"rowCount": len(out),
		})
	}
}

// normalizeRow makes driver values template-friendly: byte slices become
// strings, and numeric types round-trip through JSON semantics elsewhere.
func normalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			s := string(b)
			var decoded any
			if json.Unmarshal(b, &decoded) == nil {
				switch decoded.(type) {
				case map[string]any, []any, float64, bool:
					row[k] = decoded
					continue
				}
			}
			row[k] = s
		}
	}
	return row
}
