package feed

import (
	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

// Broadcaster delivers an encoded frame to every viewer.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Publisher is a tick sink that streams overload events as they happen and a metrics
// frame every few ticks.
type Publisher struct {
	out   Broadcaster
	every uint64
	log   *logging.Logger
}

// NewPublisher sends a metrics frame every `every` ticks.
func NewPublisher(out Broadcaster, every int, logger *logging.Logger) *Publisher {
	if every <= 0 {
		every = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Publisher{out: out, every: uint64(every), log: logger.With(logging.String("component", "feed_publisher"))}
}

// SnapshotDue asks for a snapshot on metrics ticks.
func (p *Publisher) SnapshotDue(tick uint64) bool {
	return tick%p.every == 0
}

// HandleTick encodes and broadcasts the tick's events and metrics.
func (p *Publisher) HandleTick(report fluid.TickReport, snapshot *fluid.Snapshot) {
	for _, event := range report.Events {
		payload, err := codec.MarshalEventJSON(event)
		if err != nil {
			p.log.Warn("encode feed event failed", logging.Error(err))
			continue
		}
		p.out.Broadcast(payload)
	}
	if snapshot == nil || !p.SnapshotDue(report.Tick) {
		return
	}
	payload, err := codec.MarshalMetricsJSON(codec.Summarise(*snapshot))
	if err != nil {
		p.log.Warn("encode feed metrics failed", logging.Error(err))
		return
	}
	p.out.Broadcast(payload)
}
