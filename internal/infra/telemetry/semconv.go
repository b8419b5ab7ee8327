// Package telemetry provides the OpenTelemetry meter provider and AIS bus attribute conventions.
package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to bus metrics. Names follow namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStream identifies the registered stream a signal belongs to.
	AttrStream = attribute.Key("stream")
	// AttrStreamRole is provider or consumer.
	AttrStreamRole = attribute.Key("stream.role")
	// AttrProvider names the provider adapter instance.
	AttrProvider = attribute.Key("provider")
	// AttrConsumer names the consumer adapter instance.
	AttrConsumer = attribute.Key("consumer")
	// AttrMessageType is the numeric AIS message type.
	AttrMessageType = attribute.Key("message.type")
	// AttrReason explains drops and faults.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrDirection is the migration direction (up/down).
	AttrDirection = attribute.Key("direction")
)

// Drop reasons.
const (
	ReasonBufferFull = "buffer_full"
	ReasonStopping   = "stopping"
	ReasonDetached   = "detached"
)

// StreamAttributes returns the common attributes for per-stream metrics.
func StreamAttributes(environment, stream, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrStreamRole.String(role),
	}
}

// DropAttributes labels a dropped delivery.
func DropAttributes(environment, stream, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrReason.String(reason),
	}
}

// PacketAttributes labels per-packet signals with the message type when known.
func PacketAttributes(environment, stream string, messageType int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
	}
	if messageType > 0 {
		attrs = append(attrs, AttrMessageType.String(strconv.Itoa(messageType)))
	}
	return attrs
}

// ConnectionAttributes returns attributes for provider connection state metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}
