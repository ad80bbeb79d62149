package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for presence operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// Client attributes
	AttrClientAddr = "client.address"

	// Identity attributes
	AttrUserID       = "user.id"
	AttrInstanceID   = "instance.id"
	AttrConnectionID = "connection.id"

	// Presence attributes
	AttrVNode         = "presence.vnode"
	AttrAction        = "presence.action"
	AttrSessionResult = "session.result"

	// Coordinator attributes
	AttrRouteSource = "route.source"
	AttrWeight      = "register.weight"
	AttrGranted     = "register.granted"
	AttrReleased    = "register.released"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Coordinator operations
	SpanRegister   = "coordinator.register"
	SpanUnregister = "coordinator.unregister"
	SpanRoute      = "coordinator.route"

	// Presence node operations
	SpanConnect   = "node.connect"
	SpanConsume   = "node.consume"
	SpanHeartbeat = "node.heartbeat"
)

// ClientAddr returns an attribute for the full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// UserID returns an attribute for the user identifier
func UserID(id string) attribute.KeyValue {
	return attribute.String(AttrUserID, id)
}

// InstanceID returns an attribute for the instance identifier
func InstanceID(id string) attribute.KeyValue {
	return attribute.String(AttrInstanceID, id)
}

// ConnectionID returns an attribute for the websocket connection identifier
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// VNode returns an attribute for a vnode id
func VNode(id int) attribute.KeyValue {
	return attribute.Int(AttrVNode, id)
}

// Action returns an attribute for a presence action
func Action(action string) attribute.KeyValue {
	return attribute.String(AttrAction, action)
}

// SessionResult returns an attribute for a connect outcome
func SessionResult(result string) attribute.KeyValue {
	return attribute.String(AttrSessionResult, result)
}

// RouteSource returns an attribute for how a routing answer was produced
func RouteSource(source string) attribute.KeyValue {
	return attribute.String(AttrRouteSource, source)
}

// Weight returns an attribute for a registration weight
func Weight(weight int) attribute.KeyValue {
	return attribute.Int(AttrWeight, weight)
}

// Granted returns an attribute for the number of vnodes granted
func Granted(count int) attribute.KeyValue {
	return attribute.Int(AttrGranted, count)
}

// Released returns an attribute for the number of vnodes released
func Released(count int) attribute.KeyValue {
	return attribute.Int(AttrReleased, count)
}
