package audit

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/antigravity/coder/internal/metrics"
)

// Sink receives sealed events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev *Event) error
}

type StreamerConfig struct {
	// QueueSize bounds events waiting for delivery. Defaults to 1024.
	QueueSize int
	// DeliverTimeout bounds one delivery to one sink. Defaults to 30s.
	DeliverTimeout time.Duration
	// DrainTimeout bounds delivery of queued events after Run's context ends.
	// Defaults to 5s.
	DrainTimeout time.Duration
}

// Streamer seals events in publish order and hands them to every sink.
// Publish never blocks: a full queue drops the event. Sink errors are logged
// and counted, never returned to the publisher.
type Streamer struct {
	queue chan Event
	chain *Chain
	sinks []Sink
	cfg   StreamerConfig
	log   *zap.Logger
}

func NewStreamer(chain *Chain, sinks []Sink, cfg StreamerConfig, log *zap.Logger) *Streamer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if chain == nil {
		chain = NewChain(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{
		queue: make(chan Event, cfg.QueueSize),
		chain: chain,
		sinks: sinks,
		cfg:   cfg,
		log:   log.Named("audit.streamer"),
	}
}

// Publish enqueues ev and reports whether it was accepted.
func (s *Streamer) Publish(ev Event) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		metrics.RecordEventDropped()
		s.log.Warn("event queue full, dropping event",
			zap.String("eventId", ev.ID),
			zap.String("eventType", string(ev.EventType)),
			zap.String("artifactId", ev.ArtifactID))
		return false
	}
}

// Run delivers events until ctx is cancelled, then drains what is already
// queued and closes sinks that implement io.Closer.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("starting", zap.Int("queue", s.cfg.QueueSize), zap.Int("sinks", len(s.sinks)))
	defer s.log.Info("stopped")

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.closeSinks()
			return nil
		case ev := <-s.queue:
			s.process(ctx, ev)
		}
	}
}

func (s *Streamer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-s.queue:
			s.process(ctx, ev)
		default:
			return
		}
	}
}

func (s *Streamer) process(ctx context.Context, ev Event) {
	if err := s.chain.Seal(ctx, &ev); err != nil {
		s.log.Error("seal event", zap.String("eventId", ev.ID), zap.Error(err))
		return
	}
	for _, sink := range s.sinks {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliverTimeout)
		err := sink.Deliver(dctx, &ev)
		cancel()
		metrics.RecordEventDelivery(sink.Name(), err == nil)
		if err != nil {
			s.log.Error("deliver event",
				zap.String("sink", sink.Name()),
				zap.String("eventId", ev.ID),
				zap.String("artifactId", ev.ArtifactID),
				zap.Error(err))
			continue
		}
		s.log.Debug("event delivered",
			zap.String("sink", sink.Name()),
			zap.String("eventId", ev.ID),
			zap.String("eventType", string(ev.EventType)))
	}
}

func (s *Streamer) closeSinks() {
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("close sink", zap.String("sink", sink.Name()), zap.Error(err))
			}
		}
	}
}
