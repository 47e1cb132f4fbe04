// Package broker owns the MQTT session to the ingestion broker.
//
// The connection manager holds exactly one session per process,
// subscribes to the device status and registration topic filters at
// QoS 1, and supervises the connection with an explicit state machine:
//
//	Disconnected → Connecting → Connected
//	Connected → Reconnecting → Connected (recovered)
//	Connected → Reconnecting → Disconnected (attempts exhausted)
//
// Reconnection runs as a detached goroutine with exponential backoff
// so it never blocks message handling. Startup connection failures are
// returned to the caller rather than retried; a process that cannot
// reach the broker at boot fails loudly.
//
// The router turns raw topic strings into a typed message kind so the
// handlers never see stringly-typed dispatch.
package broker
