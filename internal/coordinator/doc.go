// Package coordinator schedules the lifecycle procedures in the background.
//
// Each procedure (freshness, download, retention) runs on its own cron
// schedule. A procedure never overlaps with itself: a tick that fires while
// the previous run is still going is skipped. Different procedures may run
// concurrently.
//
// # Usage Example
//
//	coord, err := coordinator.New([]coordinator.Procedure{
//	    {Name: coordinator.ProcedureFreshness, Schedule: "@every 5m", RunAtStart: true, Run: detector.Run},
//	}, coordinator.WithMetrics(metrics))
//
//	go coord.Start(ctx)
//	// ... run server ...
//	coord.Stop()
//
// Stopping cancels pending initial runs and waits for running procedures to
// finish. Running procedures are not interrupted.
package coordinator
