package queue

import (
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"go.uber.org/zap"
)

// Sender publishes one event to a topic. *Producer satisfies it.
type Sender interface {
	Send(topic, key string, ev protocol.Event)
}

// Broadcaster pushes a stream event to websocket subscribers
type Broadcaster interface {
	Broadcast(channel string, ev protocol.Event)
}

// Appender stores a persistence record durably. *outbox.Outbox satisfies it.
type Appender interface {
	Append(key string, payload []byte) (uint64, error)
}

// Waiters hands replies to in-process callers. Deliver reports whether
// someone was waiting for clientID.
type Waiters interface {
	Deliver(clientID string, ev protocol.Event) bool
}

type Topics struct {
	Replies string
	Depth   string
	Stats   string
	Persist string
}

// RouterConfig lists the sinks a Router fans out to. Any of them may be nil.
type RouterConfig struct {
	Sender  Sender
	Hub     Broadcaster
	Outbox  Appender
	Waiters Waiters
	Topics  Topics
	Logger  *zap.Logger
}

// Router is the engine's Publisher. It picks sinks by channel name.
type Router struct {
	sender  Sender
	hub     Broadcaster
	outbox  Appender
	waiters Waiters
	topics  Topics
	log     *zap.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sender:  cfg.Sender,
		hub:     cfg.Hub,
		outbox:  cfg.Outbox,
		waiters: cfg.Waiters,
		topics:  cfg.Topics,
		log:     log.Named("router"),
	}
}

// Publish implements engine.Publisher
func (r *Router) Publish(channel string, ev protocol.Event) {
	switch channel {
	case protocol.PersistenceChannel:
		r.persist(ev)
		return
	case protocol.MarketStatsChannel:
		r.send(r.topics.Stats, channel, ev)
		return
	}

	if market, ok := protocol.DepthMarket(channel); ok {
		if r.hub != nil {
			r.hub.Broadcast(channel, ev)
		}
		r.send(r.topics.Depth, market, ev)
		return
	}

	if r.waiters != nil && r.waiters.Deliver(channel, ev) {
		return
	}
	r.send(r.topics.Replies, channel, ev)
}

func (r *Router) send(topic, key string, ev protocol.Event) {
	if r.sender == nil || topic == "" {
		return
	}
	r.sender.Send(topic, key, ev)
}

func (r *Router) persist(ev protocol.Event) {
	key := persistKey(ev)
	if r.outbox == nil {
		r.send(r.topics.Persist, key, ev)
		return
	}
	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		r.log.Error("persist_encode_failed", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	if _, err := r.outbox.Append(key, payload); err != nil {
		r.log.Error("persist_append_failed", zap.String("type", ev.EventType()), zap.Error(err))
	}
}

// persistKey partitions persistence records by market so they stay ordered
func persistKey(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.OrderUpdate:
		return e.Order.Market
	case protocol.OrderUpdateFill:
		return e.Market
	case protocol.AddTrades:
		return e.Market
	default:
		return ""
	}
}
