package interp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Loader starts interpreters from a shared Runtime. It is the unit handed to
// a coordinator, which calls Load on its own goroutine.
type Loader struct {
	Runtime  *Runtime
	Language Language
	Options  []Option
	Logger   *slog.Logger
}

// Load starts a fresh interpreter. Extra options are applied after the
// loader's own.
func (l Loader) Load(ctx context.Context, opts ...Option) (*Interpreter, error) {
	if l.Runtime == nil || l.Language == nil {
		return nil, fmt.Errorf("load interpreter: %w", ErrNotStarted)
	}

	start := time.Now()
	all := append(append([]Option{}, l.Options...), opts...)

	i, err := l.Runtime.Start(ctx, l.Language, all...)
	if err != nil {
		return nil, err
	}

	if l.Logger != nil {
		l.Logger.Info("interpreter loaded",
			slog.String("language", l.Language.Name()),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return i, nil
}
