package changefeed

import (
	"context"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// StoreSource opens channels on a backend that publishes its own row changes.
type StoreSource struct {
	backend persistence.Subscriber
}

// NewStoreSource returns a source over backend.
func NewStoreSource(backend persistence.Subscriber) *StoreSource {
	return &StoreSource{backend: backend}
}

func (s *StoreSource) Open(ctx context.Context, table string, h SourceHandler) (Channel, error) {
	unsubscribe, err := s.backend.Subscribe(ctx, table, h.Event)
	if err != nil {
		return nil, err
	}
	return closeFunc(unsubscribe), nil
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}
