package influxdb

import "errors"

var (
	// ErrNotConnected is returned by HealthCheck while the client is down.
	// Telemetry points are dropped, not queued, in that state.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps the ping failure seen by Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
