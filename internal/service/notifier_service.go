package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-points-api/internal/models"
)

type notifierMetrics interface {
	RecordEventPublished()
	RecordEventDropped()
}

// Subscription is one dashboard's live feed of aggregate changes for a class.
// Close it to detach; no events are delivered afterwards.
type Subscription struct {
	C <-chan models.AggregateChangeEvent

	events chan models.AggregateChangeEvent
	cancel func()
	once   sync.Once
}

// Close detaches the subscription and frees hub state.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// NotifierService fans aggregate-change events out to subscribed dashboards.
// Publish never blocks: when a subscriber's buffer is full the oldest pending
// event is discarded in favour of the newest. Consumers deduplicate and order
// on the event's Version, so a dropped intermediate event is superseded by
// the one that replaces it.
type NotifierService struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	closed     bool

	logger  *zap.Logger
	metrics notifierMetrics
}

// NewNotifierService constructs the hub.
func NewNotifierService(bufferSize int, metrics notifierMetrics, logger *zap.Logger) *NotifierService {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifierService{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    metrics,
	}
}

// Subscribe attaches a new listener for one class's aggregate changes.
func (n *NotifierService) Subscribe(classID string) *Subscription {
	events := make(chan models.AggregateChangeEvent, n.bufferSize)
	sub := &Subscription{C: events, events: events}
	sub.cancel = func() { n.unsubscribe(classID, sub) }

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(events)
		return sub
	}
	if n.subs[classID] == nil {
		n.subs[classID] = make(map[*Subscription]struct{})
	}
	n.subs[classID][sub] = struct{}{}
	return sub
}

// Publish delivers the event to every subscriber of its class. Never blocks.
func (n *NotifierService) Publish(event models.AggregateChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	if n.metrics != nil {
		n.metrics.RecordEventPublished()
	}
	for sub := range n.subs[event.ClassID] {
		n.deliver(sub, event)
	}
}

// SubscriberCount reports active subscriptions for a class.
func (n *NotifierService) SubscriberCount(classID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[classID])
}

// Close detaches all subscribers and rejects further publishes.
func (n *NotifierService) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, subs := range n.subs {
		for sub := range subs {
			close(sub.events)
		}
	}
	n.subs = make(map[string]map[*Subscription]struct{})
}

func (n *NotifierService) deliver(sub *Subscription, event models.AggregateChangeEvent) {
	select {
	case sub.events <- event:
		return
	default:
	}
	// Buffer full: sacrifice the oldest pending event for the newest.
	select {
	case <-sub.events:
		if n.metrics != nil {
			n.metrics.RecordEventDropped()
		}
	default:
	}
	select {
	case sub.events <- event:
	default:
		if n.metrics != nil {
			n.metrics.RecordEventDropped()
		}
	}
}

func (n *NotifierService) unsubscribe(classID string, sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if subs, ok := n.subs[classID]; ok {
		if _, attached := subs[sub]; attached {
			delete(subs, sub)
			close(sub.events)
		}
		if len(subs) == 0 {
			delete(n.subs, classID)
		}
	}
}

// notifierEnvelope wraps events on the Redis channel so an instance can skip
// the copies of its own publishes.
type notifierEnvelope struct {
	InstanceID string                      `json:"instance_id"`
	Event      models.AggregateChangeEvent `json:"event"`
}

// RedisNotifier bridges the in-process hub over Redis Pub/Sub so dashboards
// connected to other instances see the same stream.
type RedisNotifier struct {
	hub        *NotifierService
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisNotifier constructs the bridge around an existing hub.
func NewRedisNotifier(hub *NotifierService, client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		hub:        hub,
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Subscribe delegates to the local hub.
func (r *RedisNotifier) Subscribe(classID string) *Subscription {
	return r.hub.Subscribe(classID)
}

// Publish fans out locally and relays to the other instances. The relay runs
// off the caller's goroutine so the write path never waits on Redis.
func (r *RedisNotifier) Publish(event models.AggregateChangeEvent) {
	r.hub.Publish(event)

	payload, err := json.Marshal(notifierEnvelope{InstanceID: r.instanceID, Event: event})
	if err != nil {
		r.logger.Error("marshal change event", zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			r.logger.Warn("relay change event", zap.Error(err))
		}
	}()
}

// Start begins consuming remote events. Call Close to stop.
func (r *RedisNotifier) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		r.cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close() //nolint:errcheck
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope notifierEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					r.logger.Warn("unmarshal change event", zap.Error(err))
					continue
				}
				if envelope.InstanceID == r.instanceID {
					continue
				}
				r.hub.Publish(envelope.Event)
			}
		}
	}()
	return nil
}

// Close stops the remote consumer and closes the local hub.
func (r *RedisNotifier) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.hub.Close()
}
