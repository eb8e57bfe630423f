package task

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/acmecho/pkg"
)

// Func is a long-running task. It should return when ctx is done.
type Func func(ctx context.Context) error

// errFinished marks a task that returned nil, so the group still stops.
var errFinished = errors.New("task finished")

// Join runs every task concurrently and returns as soon as any of them
// returns. The shared context is then cancelled and Join waits for the rest
// to unwind. The first task's error is returned; a task that returns nil
// makes Join return nil.
func Join(ctx context.Context, tasks ...Func) error {
	if len(tasks) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			err := t(ctx)
			pkg.LogDebug(pkg.ComponentTask, "task returned",
				"task", i,
				"error", err)
			if err == nil {
				return errFinished
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, errFinished) {
		return nil
	}
	return err
}
