package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TransactionMetrics holds the instruments of the transaction manager.
type TransactionMetrics struct {
	Started         metric.Int64Counter
	Committed       metric.Int64Counter
	Aborted         metric.Int64Counter
	Expired         metric.Int64Counter
	Active          metric.Int64UpDownCounter
	LeaseWaitMillis metric.Int64Histogram
}

// NewTransactionMetrics creates and registers the transaction manager metrics.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	started, err := meter.Int64Counter("gojotxn.transactions.started_total",
		metric.WithDescription("Managed transactions created."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter("gojotxn.transactions.committed_total",
		metric.WithDescription("Managed transactions committed."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter("gojotxn.transactions.aborted_total",
		metric.WithDescription("Managed transactions aborted."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("gojotxn.transactions.expired_total",
		metric.WithDescription("Managed transactions aborted by the garbage collector."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("gojotxn.transactions.active",
		metric.WithDescription("Managed transactions currently running."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	leaseWait, err := meter.Int64Histogram("gojotxn.transactions.lease_wait",
		metric.WithDescription("Time spent waiting to lease a busy transaction."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &TransactionMetrics{
		Started:         started,
		Committed:       committed,
		Aborted:         aborted,
		Expired:         expired,
		Active:          active,
		LeaseWaitMillis: leaseWait,
	}, nil
}
