package medmem

import (
	"context"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/robfig/cron/v3"

	"github.com/ylouis83/aim-medical/internal/logger"
)

// ReindexEmbeddings backfills vectors for memories written while no
// embedder was configured, or whose embedding write was lost. No-op on
// backends without a vector index.
func (s *sqliteStore) ReindexEmbeddings(ctx context.Context) (int, error) {
	if !s.opts.vector || s.opts.embedder == nil {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, queryUnembedded)
	if err != nil {
		return 0, err
	}

	type pending struct {
		rowID int64
		text  string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.rowID, &p.text); err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	done := 0
	for _, p := range todo {
		embedding, err := s.opts.embedder.Embed(ctx, p.text)
		if err != nil {
			return done, err
		}
		blob, err := sqlite_vec.SerializeFloat32(normalize(embedding))
		if err != nil {
			return done, err
		}
		if _, err := s.db.ExecContext(ctx, queryInsertVec, p.rowID, blob); err != nil {
			return done, err
		}
		done++
	}

	return done, nil
}

type reindexer interface {
	ReindexEmbeddings(ctx context.Context) (int, error)
}

// Maintenance runs the service's periodic jobs: embedding backfill and a
// query cache sweep.
type Maintenance struct {
	cron *cron.Cron
}

// StartMaintenance schedules the jobs with a standard 5-field cron
// expression and starts the scheduler.
func (s *Service) StartMaintenance(schedule string) (*Maintenance, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		if r, ok := s.backend.(reindexer); ok {
			n, err := r.ReindexEmbeddings(ctx)
			if err != nil {
				logger.Error("embedding reindex failed", "error", err)
			} else if n > 0 {
				logger.Info("embeddings backfilled", "count", n)
			}
		}
		s.cache.clear()
	})
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
	}

	c.Start()
	logger.Info("maintenance scheduled", "schedule", schedule)

	return &Maintenance{cron: c}, nil
}

func (m *Maintenance) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}
