package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the trusted_domains table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trusted_domains (
  configuration_name text PRIMARY KEY,
  spec jsonb NOT NULL DEFAULT '[]'::jsonb,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

// SeedFromJSON upserts every entry of a TRUSTED_DOMAINS_JSON document.
func SeedFromJSON(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	specs, err := ParseJSON(jsonSeed)
	if err != nil {
		return err
	}
	for name, spec := range specs {
		raw, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		if _, err := dbPool.Exec(ctx, `INSERT INTO trusted_domains(configuration_name, spec)
		  VALUES ($1, $2)
		  ON CONFLICT (configuration_name) DO UPDATE SET spec=EXCLUDED.spec, updated_at=NOW()`, name, raw); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// LoadPostgres reads every row of trusted_domains.
func LoadPostgres(ctx context.Context, dbPool *pgxpool.Pool) (map[string]Spec, error) {
	rows, err := dbPool.Query(ctx, `SELECT configuration_name, spec FROM trusted_domains`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Spec{}
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var s Spec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("trusted domains row %s: %w", name, err)
		}
		out[name] = s
	}
	return out, rows.Err()
}
