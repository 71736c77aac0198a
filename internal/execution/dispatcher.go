// Package execution delivers signals to the execution side of the system.
//
// Every type here implements service.Dispatcher. LogDispatcher writes the
// signal to the structured log, KafkaDispatcher publishes it to a topic and
// Multi fans a signal out to several dispatchers.
package execution

import (
	"context"
	"errors"
	"fmt"

	"sentinel/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher mirrors service.Dispatcher so this package does not import service.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig model.Signal) error
}

// LogDispatcher logs every signal at info level.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher uses the global logger.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: log.With().Str("component", "execution").Logger()}
}

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(ctx context.Context, sig model.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info().
		Str("signalId", sig.ID).
		Str("symbol", sig.Symbol).
		Stringer("kind", sig.Kind).
		Stringer("direction", sig.Direction).
		Float64("confidence", sig.Confidence).
		Float64("ofi", sig.OFI).
		Float64("delta", sig.Delta).
		Float64("price", sig.Price).
		Str("reason", sig.Reason).
		Time("at", sig.Timestamp).
		Msg("signal")
	return nil
}

// Multi dispatches to every target in order and joins their errors. A failing
// target does not prevent delivery to the others.
type Multi []Dispatcher

// Dispatch implements Dispatcher.
func (m Multi) Dispatch(ctx context.Context, sig model.Signal) error {
	var errs []error
	for i, d := range m {
		if err := d.Dispatch(ctx, sig); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
