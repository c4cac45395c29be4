// Package influxdb is the cloud link's time-series history store.
//
// The history recorder feeds it three kinds of points: relay lifecycle
// events (connects and disconnects with their reasons), cumulative
// traffic counters per channel, and report queue depth samples. The
// admin UI graphs these to answer "how stable has remote access been".
//
// The package wraps influxdb-client-go v2's non-blocking write API.
// Points are batched per the configured batch_size and flush_interval,
// so a flapping link bursting events does not translate into network
// chatter; write failures surface through the SetOnError callback
// because batched writes cannot fail inline.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	}
//
// All methods are safe for concurrent use.
package influxdb
