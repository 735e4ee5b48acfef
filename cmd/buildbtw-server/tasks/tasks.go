// Package tasks wires the server's control loops: reconciliation,
// forge change polling, CI config enforcement, and forge pipeline
// dispatch and status tracking.
package tasks

import (
	"context"
	"log"
	"time"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/mirror"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
	"github.com/archlinux/buildbtw/pkg/forge"
	"github.com/archlinux/buildbtw/pkg/loop"
	"github.com/archlinux/buildbtw/pkg/loop/recurring"
)

type LoggerOptions func(*log.Logger) *log.Logger

func byLogger(l *log.Logger, opt ...LoggerOptions) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

func Copied() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func WithPrefix(pre string) LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(pre)
		return l
	}
}

// monitor logs each pass of a loop task.
func monitor[T any](logger *log.Logger, task loop.Task[T]) loop.Task[T] {
	var counter uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		counter += 1
		timestamp := time.Now()

		defer func() {
			logger.Printf("pass #%d (takes %s): %s", counter, time.Since(timestamp), next)
		}()

		ret, next = task(ctx, t)
		return
	}
}

// StartReconcileLoop runs the namespace reconciler every interval.
func StartReconcileLoop(
	ctx context.Context,
	logger *log.Logger,
	rec *reconcile.Reconciler,
	interval time.Duration,
) error {
	l := byLogger(logger, Copied(), WithPrefix("[reconcile loop] "))
	_, err := loop.Start(
		ctx, struct{}{},
		monitor(l, rec.Task().Applied(recurring.Forever(interval))),
	)
	return err
}

// StartForgePollLoop refreshes mirror entries for projects the forge
// reports as changed, advancing the persisted watermark.
//
// The watermark is rewound a few minutes behind the newest change to
// compensate for the forge's imprecise update timestamps.
func StartForgePollLoop(
	ctx context.Context,
	logger *log.Logger,
	db nsdb.Database,
	client forge.Interface,
	m *mirror.Mirror,
	interval time.Duration,
) error {
	const watermarkRewind = 6 * time.Minute

	l := byLogger(logger, Copied(), WithPrefix("[forge poll loop] "))
	task := func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		since, err := db.GlobalState().GitlabLastUpdated(ctx)
		if err != nil {
			return value, false, err
		}

		changed, err := client.ChangedProjectsSince(ctx, since)
		if err != nil {
			// transient; retry at the next tick
			l.Printf("%v", err)
			return value, false, nil
		}
		if len(changed) == 0 {
			return value, false, nil
		}
		l.Printf("%d changed source repos (first: %s)", len(changed), changed[0].Name)

		for _, project := range changed {
			if _, err := m.Refresh(ctx, domain.Pkgbase(project.Name)); err != nil {
				l.Printf("refresh %s: %v", project.Name, err)
			}
		}

		watermark := changed[0].UpdatedAt.Add(-watermarkRewind)
		if err := db.GlobalState().SetGitlabLastUpdated(ctx, watermark); err != nil {
			l.Printf("failed to set forge watermark: %v", err)
		}
		return value, true, nil
	}

	_, err := loop.Start(
		ctx, struct{}{},
		monitor(l, recurring.Task[struct{}](task).Applied(recurring.Forever(interval))),
	)
	return err
}

// StartCIConfigLoop keeps every project in the packages group pointed
// at the configured CI config path.
func StartCIConfigLoop(
	ctx context.Context,
	logger *log.Logger,
	client forge.Interface,
	ciConfigPath string,
	interval time.Duration,
) error {
	if ciConfigPath == "" {
		return nil
	}

	l := byLogger(logger, Copied(), WithPrefix("[ci config loop] "))
	task := func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		changed, err := client.EnsureCIConfig(ctx, ciConfigPath)
		if err != nil {
			l.Printf("%v", err)
			return value, false, nil
		}
		if changed != 0 {
			l.Printf("changed CI config path for %d projects", changed)
		}
		return value, false, nil
	}

	_, err := loop.Start(
		ctx, struct{}{},
		monitor(l, recurring.Task[struct{}](task).Applied(recurring.Forever(interval))),
	)
	return err
}
