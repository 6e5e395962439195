package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// LevelsChannel is the pub/sub channel external adapters publish to.
const LevelsChannel = "levels"

// BusFeeder subscribes to the levels channel on the signal bus and applies
// each message to the book store.
type BusFeeder struct {
	bus     domain.SignalBus
	sink    BookSink
	channel string
	logger  *slog.Logger
}

// NewBusFeeder creates a BusFeeder on LevelsChannel.
func NewBusFeeder(bus domain.SignalBus, sink BookSink, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:     bus,
		sink:    sink,
		channel: LevelsChannel,
		logger:  logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run subscribes and applies messages until ctx is cancelled.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("bus feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := Apply(ctx, f.sink, data); err != nil {
				logApplyError(ctx, f.logger, err, len(data))
			}
		}
	}
}
