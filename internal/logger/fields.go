package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so presence events
// can be aggregated and queried across the coordinator and node fleets.
const (
	// Identity
	KeyNodeID     = "node_id"     // presence node instance id
	KeyUserID     = "user_id"     // user identifier from the validated token
	KeyVNode      = "vnode"       // virtual node index in [0, V)
	KeyInstanceID = "instance_id" // instance id in coordinator operations

	// Sessions & connections
	KeyConnectionID = "connection_id" // per-websocket connection id
	KeyRemoteAddr   = "remote_addr"   // client address
	KeyCloseCode    = "close_code"    // websocket close code sent

	// Presence events
	KeyAction       = "action"         // online | offline
	KeySourceNodeID = "source_node_id" // node that published the event

	// Directory & bus
	KeyTTL       = "ttl"       // lease TTL applied to a directory write
	KeyTopic     = "topic"     // bus topic
	KeyPartition = "partition" // bus partition (diagnostics only)

	// HTTP
	KeyRequestID = "request_id" // chi request id
	KeyMethod    = "method"
	KeyPath      = "path"
	KeyStatus    = "status"
	KeySource    = "source" // route answer source: cache | hash

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyCount      = "count"

	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)
