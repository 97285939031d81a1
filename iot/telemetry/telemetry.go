/*Package telemetry drives the steady-state publish loops

Once the session is open, two loops run concurrently against it: one
streams sensor telemetry, the other log events. Each iteration draws a
fresh reading, serializes it and publishes it with the loop's sensor type,
then waits out the send interval. The loops have no ordering relation to
each other; within one loop, messages leave in generation order.

The loops are infinite by design. They end when the context is cancelled
or when a publish fails; failures are not retried here. A bounded
reconnect before giving up would slot in at the orchestrator, between the
first loop failure and process exit, but is deliberately not part of this
minimal design.
*/
package telemetry

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/sensor"
)

// Publisher runs the two publish loops over one open session.
type Publisher struct {
	session  iot.Publisher
	source   *sensor.Source
	interval time.Duration
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Session is the open session to publish on. This is mandatory.
	Session iot.Publisher
	// Source produces the telemetry records. This is mandatory.
	Source *sensor.Source
	// Interval is the delay between two sends of one loop. The default
	// is 1 second.
	Interval time.Duration
}

// MustNewPublisher returns a new publisher.
func MustNewPublisher(b *Builder) *Publisher {
	if b.Session == nil {
		panic("session is missing")
	}
	if b.Source == nil {
		panic("sensor source is missing")
	}
	interval := b.Interval
	if interval == 0 {
		interval = time.Second
	}
	return &Publisher{
		session:  b.Session,
		source:   b.Source,
		interval: interval,
	}
}

// Run starts both loops and blocks until the context is cancelled or one
// loop fails. The first failure wins and is returned; cancellation returns
// nil. The surviving loop always observes the shared context and exits
// before its next send.
func (p *Publisher) Run(ctx context.Context) error {
	results := make(chan error, 2)
	go func() { results <- p.loop(ctx, iot.SensorTypeTelemetry) }()
	go func() { results <- p.loop(ctx, iot.SensorTypeLog) }()

	if err := <-results; err != nil {
		return err
	}
	return <-results
}

func (p *Publisher) loop(ctx context.Context, sensorType iot.SensorType) error {
	rlog := logger.FromContext(ctx).WithField("sensorType", sensorType)
	rlog.Infof("sending every %s", p.interval)

	for {
		payload, err := json.Marshal(p.source.Read())
		if err != nil {
			return err
		}
		err = p.session.Publish(iot.OutboundMessage{
			Payload:    payload,
			SensorType: sensorType,
		})
		if err != nil {
			rlog.WithError(err).Error("send failed")
			return err
		}
		rlog.Debugf("sent %s", payload)

		select {
		case <-ctx.Done():
			rlog.Info("loop cancelled")
			return nil
		case <-time.After(p.interval):
		}
	}
}
