// Package factory selects and decorates the storage backend once, at startup.
package factory

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/bridge"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/sqlite"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/supabase"
)

// Kind names the selected adapter.
type Kind string

const (
	KindRemote Kind = "supabase"
	KindLocal  Kind = "sqlite"
)

// Store is the decorated backend plus what the rest of the process needs to know about it.
type Store struct {
	persistence.Backend
	Kind Kind
}

// Close releases the backend's resources.
func (s *Store) Close() error {
	if c, ok := s.Backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewStore builds the adapter selected by cfg.Backend.UseRemote and wraps it with
// logging, metrics and retry decorators.
func NewStore(cfg *config.Config, collector *observability.Collector, logger *zap.Logger) (*Store, error) {
	logger = observability.OrNop(logger)

	var (
		base persistence.Backend
		kind Kind
	)
	if cfg.Backend.UseRemote {
		remote, err := supabase.New(cfg.Backend, cfg.Breaker, logger)
		if err != nil {
			return nil, err
		}
		base, kind = remote, KindRemote
	} else {
		engine, err := sqlite.Open(cfg.Backend.LocalDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store %q: %w", cfg.Backend.LocalDSN, err)
		}
		dispatcher := bridge.NewDispatcher(engine, logger)
		base, kind = bridge.NewClient(bridge.InProcess{Dispatcher: dispatcher}), KindLocal
	}

	decorated := persistence.Chain(base,
		persistence.WithLogging(logger),
		persistence.WithMetrics(collector),
		persistence.WithRetry(persistence.DefaultRetryConfig(), logger),
	)

	logger.Info("Storage backend selected",
		zap.String("backend", string(kind)),
		zap.Bool("realtime", cfg.Realtime.Enabled))
	return &Store{Backend: decorated, Kind: kind}, nil
}
