// Package postgres stores archived chat in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
)

// Pool is the archive's connection pool together with its health settings.
type Pool struct {
	pool     *pgxpool.Pool
	target   string
	interval time.Duration
	timeout  time.Duration
}

// NewPool connects to the database described by cfg and verifies it answers.
//
// Precondition: cfg must have passed validation.
// Postcondition: Returns a connected Pool or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	p := &Pool{
		target:   fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Name),
		interval: cfg.HealthInterval,
		timeout:  cfg.HealthTimeout,
	}
	if p.pool, err = pgxpool.NewWithConfig(ctx, poolCfg); err != nil {
		return nil, fmt.Errorf("creating connection pool for %s: %w", p.target, err)
	}
	if err := p.Check(ctx); err != nil {
		p.pool.Close()
		return nil, err
	}
	return p, nil
}

// Check pings the database once, bounded by the configured health timeout.
func (p *Pool) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database %s: %w", p.target, err)
	}
	return nil
}

// Watch checks the database every health interval until ctx ends, logging
// when it becomes unreachable and when it recovers. It never fails the
// server: the archive drops writes while the database is away.
//
// Postcondition: Returns nil once ctx is done.
func (p *Pool) Watch(ctx context.Context, logger *zap.Logger) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := p.Check(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			logger.Warn("database unreachable",
				zap.String("target", p.target),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
		case failures > 0:
			logger.Info("database reachable again",
				zap.String("target", p.target),
				zap.Int("failed_checks", failures),
			)
			failures = 0
		}
	}
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the pgx pool for repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
