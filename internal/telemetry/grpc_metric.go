package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcMetrics holds the metric instruments for the transaction gRPC service.
type GrpcMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcMetrics creates and registers the gRPC server metrics.
func NewGrpcMetrics(meter metric.Meter) (*GrpcMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojotxn.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojotxn.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojotxn.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotxn.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records started, active, handled and latency for every unary call.
func (m *GrpcMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		startTime := time.Now()
		methodAttr := metric.WithAttributes(attribute.String("grpc.method", info.FullMethod))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, methodAttr)
		m.RpcsStartedCounter.Add(ctx, 1, methodAttr)

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, methodAttr)
		handledAttrs := metric.WithAttributeSet(attribute.NewSet(
			attribute.String("grpc.method", info.FullMethod),
			attribute.String("grpc.code", status.Code(err).String()),
		))
		m.RpcLatencyHistogram.Record(ctx, time.Since(startTime).Milliseconds(), handledAttrs)
		m.RpcsHandledCounter.Add(ctx, 1, handledAttrs)
		return resp, err
	}
}
