package server

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Manager runs the driver loop for every configured display.
type Manager struct {
	Driver   *Driver
	Displays []int
}

// Run starts one loop per display and blocks until all have returned. A
// fatal error on one display is logged and leaves the others running. The
// result joins every fatal error; cancellation alone yields nil.
func (m *Manager) Run(ctx context.Context) error {
	var (
		g    errgroup.Group
		errs = make([]error, len(m.Displays))
	)
	for i, display := range m.Displays {
		i, display := i, display // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			err := m.Driver.Run(ctx, display)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			m.Driver.log().Error("[display %d] exited: %s", display, err)
			errs[i] = err
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
