package host

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes host events to a structured log. Serves as the
// publisher for headless runs where no UI is attached.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	p.Log.Info().Str("event", event.Type).Fields(event.Data).Msg("host event")
	return nil
}
