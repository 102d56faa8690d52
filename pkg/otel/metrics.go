package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	InstancesStarted      metric.Int64Counter
	InstancesCompleted    metric.Int64Counter
	InstancesRunning      metric.Int64UpDownCounter
	Transitions           metric.Int64Counter
	SlaBreaches           metric.Int64Counter
	EscalationsDispatched metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	instancesStartedTotal, err := meter.Int64Counter("process_instances_started", metric.WithDescription("Number of process instances started"))
	errJoin = errors.Join(errJoin, err)

	instancesCompletedTotal, err := meter.Int64Counter("process_instances_completed", metric.WithDescription("Number of process instances completed"))
	errJoin = errors.Join(errJoin, err)

	instancesRunning, err := meter.Int64UpDownCounter("process_instances_running", metric.WithDescription("Number of process instances currently running"))
	errJoin = errors.Join(errJoin, err)

	transitionsTotal, err := meter.Int64Counter("process_transitions", metric.WithDescription("Number of node transitions taken"))
	errJoin = errors.Join(errJoin, err)

	slaBreachesTotal, err := meter.Int64Counter("sla_breaches", metric.WithDescription("Number of SLA breach episodes opened"))
	errJoin = errors.Join(errJoin, err)

	escalationsTotal, err := meter.Int64Counter("escalations_dispatched", metric.WithDescription("Number of escalation notifications dispatched"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		InstancesStarted:      instancesStartedTotal,
		InstancesCompleted:    instancesCompletedTotal,
		InstancesRunning:      instancesRunning,
		Transitions:           transitionsTotal,
		SlaBreaches:           slaBreachesTotal,
		EscalationsDispatched: escalationsTotal,
	}
	return &metrics, errJoin
}
