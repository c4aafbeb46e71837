package audit

import (
	"context"
	"errors"
	"time"

	"github.com/storyloom/storyloom/pkg/async"
)

// asyncDeliveryTimeout bounds one background delivery to one sink
const asyncDeliveryTimeout = 10 * time.Second

// MultiLogger fans events out to several sinks
type MultiLogger struct {
	loggers []Logger
	async   bool
	pending *async.Tracker
	errChan chan error
}

// NewMultiLogger creates a synchronous multi-logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		pending: async.NewTracker("audit delivery", asyncDeliveryTimeout),
		errChan: make(chan error, len(loggers)*8+1),
	}
}

// SetAsync makes Log return immediately and deliver in the background
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log sends the event to every sink. In sync mode the first sink error is
// returned after all sinks have been tried.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if len(m.loggers) == 0 {
		return nil
	}

	if m.async {
		m.logAsync(context.WithoutCancel(ctx), event)
		return nil
	}

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiLogger) logAsync(ctx context.Context, event *AuditEvent) {
	for _, logger := range m.loggers {
		m.pending.Go(ctx, func(ctx context.Context) error {
			err := logger.Log(ctx, event)
			if err != nil {
				select {
				case m.errChan <- err:
				default:
				}
			}
			return err
		})
	}
}

// Wait blocks until pending async deliveries finish
func (m *MultiLogger) Wait() {
	m.pending.Wait()
}

// Errors drains errors collected from async deliveries
func (m *MultiLogger) Errors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close waits for pending deliveries and closes every sink
func (m *MultiLogger) Close() error {
	m.pending.Wait()

	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
