package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// PGContainer is the database a stress run talks to. C is nil when an
// existing database was reused, so Terminate leaves it alone.
type PGContainer struct {
	C   *postgres.PostgresContainer
	DSN string
}

// StartPostgres16 boots a throwaway Postgres for the escrow schema. A non-empty
// overrideDSN or STRESS_TEST_PG_DSN reuses that database instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv("STRESS_TEST_PG_DSN")} {
		if dsn != "" {
			return &PGContainer{DSN: dsn}, nil
		}
	}

	pgC, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", postgresImage, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}
	return &PGContainer{C: pgC, DSN: dsn}, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
