// Package influxdb records Insteon protocol telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched point writing and health monitoring.
//
// # Measurements
//
//   - insteon_send: one point per resolved send (device, op, outcome;
//     attempts, elapsed_ms)
//   - insteon_hops: hops taken by each received device frame
//   - insteon_link: modem connection transitions
//   - insteon_event: group broadcasts delivered to subscribers
//   - insteon_sync: per-device link table reconciliation results
//
// Every point carries the configured site ID as the site tag.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	engine := plm.NewEngine(plm.EngineOptions{
//	    Observer: influxdb.NewTelemetry(client),
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking; batch errors arrive through SetOnError.
package influxdb
