package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Capital is stored as NUMERIC for exact decimal precision; reports and
// allocation maps are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies the embedded schema. The statements are idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSimulation(ctx context.Context, r *model.SimulationRecord) error {
	report, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO simulations (id, market_ref, market_probability, model_probability,
		                          num_simulations, num_trades, kelly_fraction, starting_capital,
		                          seed, report, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::JSONB, $11, $12)`,
		r.ID, r.MarketRef, r.MarketProbability, r.ModelProbability,
		r.NumSimulations, r.NumTrades, r.KellyFraction, r.StartingCapital.String(),
		r.Seed, string(report), r.DurationMs, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSimulation(ctx context.Context, id string) (*model.SimulationRecord, error) {
	var r model.SimulationRecord
	var capital string
	var report []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, market_ref, market_probability, model_probability,
		        num_simulations, num_trades, kelly_fraction, starting_capital::TEXT,
		        seed, report, duration_ms, created_at
		 FROM simulations WHERE id = $1`, id).
		Scan(&r.ID, &r.MarketRef, &r.MarketProbability, &r.ModelProbability,
			&r.NumSimulations, &r.NumTrades, &r.KellyFraction, &capital,
			&r.Seed, &report, &r.DurationMs, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get simulation %s: %w", id, err)
	}

	r.StartingCapital, _ = decimal.NewFromString(capital)
	if err := json.Unmarshal(report, &r.Report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListSimulations(ctx context.Context, limit int) ([]model.SimulationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_ref, market_probability, model_probability, starting_capital::TEXT,
		        (report->>'mean_return')::DOUBLE PRECISION,
		        (report->>'probability_of_ruin')::DOUBLE PRECISION,
		        (report->>'probability_of_profit')::DOUBLE PRECISION,
		        created_at
		 FROM simulations ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []model.SimulationSummary{}
	for rows.Next() {
		var m model.SimulationSummary
		var capital string
		if err := rows.Scan(&m.ID, &m.MarketRef, &m.MarketProbability, &m.ModelProbability, &capital,
			&m.MeanReturn, &m.ProbabilityOfRuin, &m.ProbabilityOfProfit,
			&m.CreatedAt); err != nil {
			return nil, err
		}
		m.StartingCapital, _ = decimal.NewFromString(capital)
		summaries = append(summaries, m)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) SaveAllocation(ctx context.Context, r *model.AllocationRecord) error {
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs %s: %w", r.ID, err)
	}
	fractions, err := json.Marshal(r.Fractions)
	if err != nil {
		return fmt.Errorf("encode allocation %s: %w", r.ID, err)
	}
	amounts, err := json.Marshal(r.Amounts)
	if err != nil {
		return fmt.Errorf("encode amounts %s: %w", r.ID, err)
	}
	violations, err := json.Marshal(r.Violations)
	if err != nil {
		return fmt.Errorf("encode violations %s: %w", r.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO allocations (id, capital, iterations, seed, inputs, allocation, amounts,
		                          score, violations, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5::JSONB, $6::JSONB, $7::JSONB, $8, $9::JSONB, $10)`,
		r.ID, r.Capital.String(), r.Iterations, r.Seed,
		string(inputs), string(fractions), string(amounts),
		r.Score, string(violations), r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAllocation(ctx context.Context, id string) (*model.AllocationRecord, error) {
	var r model.AllocationRecord
	var capital string
	var inputs, fractions, amounts, violations []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, capital::TEXT, iterations, seed, inputs, allocation, amounts,
		        score, violations, created_at
		 FROM allocations WHERE id = $1`, id).
		Scan(&r.ID, &capital, &r.Iterations, &r.Seed,
			&inputs, &fractions, &amounts,
			&r.Score, &violations, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", id, err)
	}

	r.Capital, _ = decimal.NewFromString(capital)
	for _, col := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"inputs", inputs, &r.Inputs},
		{"allocation", fractions, &r.Fractions},
		{"amounts", amounts, &r.Amounts},
		{"violations", violations, &r.Violations},
	} {
		if err := json.Unmarshal(col.data, col.dst); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", col.name, id, err)
		}
	}
	return &r, nil
}

// PruneBefore deletes simulations and allocations older than t in one
// transaction.
func (s *PostgresStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var total int64
	for _, table := range []string{"simulations", "allocations"} {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE created_at < $1`, t)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}
