// Package notify delivers cycle summaries to operators.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, summary string) error
}

// Log writes summaries to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, summary string) error {
	l.logger.Info(summary)
	return nil
}

// Multi fans a summary out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, summary string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
