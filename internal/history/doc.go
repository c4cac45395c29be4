// Package history records relay connection history to a time-series store.
//
// It captures two kinds of data per relay channel:
//   - Lifecycle events: each connect and disconnect, with the close reason
//     and whether the drop was clean, written as they happen
//   - Counter snapshots: frames sent/received, reconnects, errors and
//     report queue depth, sampled on a fixed interval
//
// Events come from the relay package's lifecycle hooks, so the recorder
// never polls for connectivity. Counters are cumulative since process
// start; rates are derived at query time from consecutive snapshots.
//
// # Usage
//
//	recorder, err := history.NewRecorder(history.RecorderConfig{
//	    Writer:   influxClient,
//	    Interval: 60 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	recorder.Track("relay", conn)
//	recorder.TrackQueue("report_state", reporter)
//	recorder.Start(ctx)
//	defer recorder.Stop()
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package history
