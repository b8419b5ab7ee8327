package packetbus

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/aisbus/internal/infra/telemetry"
)

type instruments struct {
	enqueued  metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	faults    metric.Int64Counter
	batchSize metric.Int64Histogram
	duration  metric.Float64Histogram
	depth     metric.Int64ObservableGauge
}

func newInstruments(meter metric.Meter, depth func() int64) instruments {
	var inst instruments
	inst.enqueued, _ = meter.Int64Counter("aisbus.packets.enqueued",
		metric.WithDescription("Packets accepted into the ingress queue"),
		metric.WithUnit("{packet}"))
	inst.delivered, _ = meter.Int64Counter("aisbus.packets.delivered",
		metric.WithDescription("Subscription callbacks invoked"),
		metric.WithUnit("{packet}"))
	inst.dropped, _ = meter.Int64Counter("aisbus.packets.dropped",
		metric.WithDescription("Packets dropped for a consumer stream whose buffer stayed full"),
		metric.WithUnit("{packet}"))
	inst.faults, _ = meter.Int64Counter("aisbus.subscription.faults",
		metric.WithDescription("Subscriptions cancelled by a callback fault"),
		metric.WithUnit("{fault}"))
	inst.batchSize, _ = meter.Int64Histogram("aisbus.batch.size",
		metric.WithDescription("Packets drained per distribution cycle"),
		metric.WithUnit("{packet}"))
	inst.duration, _ = meter.Float64Histogram("aisbus.delivery.duration",
		metric.WithDescription("Time spent delivering one packet on a stream worker"),
		metric.WithUnit("ms"))
	inst.depth, _ = meter.Int64ObservableGauge("aisbus.queue.depth",
		metric.WithDescription("Packets waiting in the ingress queue"),
		metric.WithUnit("{packet}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depth(), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	return inst
}

func (i instruments) recordEnqueued(ctx context.Context) {
	if i.enqueued != nil {
		i.enqueued.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (i instruments) recordBatch(ctx context.Context, n int) {
	if i.batchSize != nil {
		i.batchSize.Record(ctx, int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (i instruments) recordDelivery(ctx context.Context, stream string, delivered, faults int, ms float64) {
	attrs := metric.WithAttributes(telemetry.StreamAttributes(telemetry.Environment(), stream, "consumer")...)
	if i.delivered != nil && delivered > 0 {
		i.delivered.Add(ctx, int64(delivered), attrs)
	}
	if i.faults != nil && faults > 0 {
		i.faults.Add(ctx, int64(faults), attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, ms, attrs)
	}
}

func (i instruments) recordDrop(ctx context.Context, stream, reason string) {
	if i.dropped != nil {
		i.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.DropAttributes(telemetry.Environment(), stream, reason)...))
	}
}
