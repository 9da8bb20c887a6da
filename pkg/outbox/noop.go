package outbox

import (
	"context"

	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// NoopRelay discards every batch. It exists so a runtime can be started
// without any external stream configured.
type NoopRelay struct{}

func (NoopRelay) StreamName(category string) string { return category }

func (NoopRelay) Deliver(context.Context, string, []eventstore.OutboxRecord) error { return nil }

func (NoopRelay) Close() error { return nil }
