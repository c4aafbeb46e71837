// Package async runs background work with panic recovery, per-task timeouts
// and logging through the observability logger.
//
// SafeGo is fire-and-forget:
//
//	async.SafeGo(ctx, 5*time.Second, "notify", func(ctx context.Context) error {
//		return notify(ctx)
//	})
//
// Tracker additionally lets the owner wait for in-flight tasks, which the
// audit fan-out uses to drain deliveries on shutdown:
//
//	tracker := async.NewTracker("audit delivery", 10*time.Second)
//	tracker.Go(ctx, deliver)
//	tracker.WaitTimeout(5 * time.Second)
package async
