// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Each chat session gets its own lane (SessionLane), so turns of one session
// never overlap while different sessions run concurrently.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A task carrying a RequestID already completed within the dedup window is not run again.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane("console:abc"), func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
