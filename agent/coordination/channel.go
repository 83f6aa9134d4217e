// Package coordination implements the asynchronous human-in-the-loop
// channel: escalation requests fan out on per-session topics, replies come
// back on a shared topic with at-least-once delivery.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
)

const (
	requestTopicPrefix = "human.requests."
	replyTopic         = "human.replies"

	defaultPublishTimeout = 2 * time.Second
)

// Channel is an in-process contract.Coordinator backed by watermill's
// gochannel pub/sub. Suitable for single-node runs and tests; the same
// topics map onto an external broker without engine changes.
type Channel struct {
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc

	publishTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

type Option func(*Channel)

func WithPublishTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

func NewChannel(opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NewStdLogger(false, false),
		),
		ctx:            ctx,
		cancel:         cancel,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestTopic returns the per-session topic escalation requests are
// published on.
func RequestTopic(sessionID string) string {
	return requestTopicPrefix + sessionID
}

// PostRequest publishes an escalation request on the session's topic. The
// send is bounded: a slow or absent consumer cannot stall the engine.
func (c *Channel) PostRequest(ctx context.Context, req contractx.HumanRequest) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return contractx.ErrCoordinatorClosed
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("coordination: marshal request: %w", err)
	}

	return c.publishBounded(ctx, RequestTopic(req.SessionID), message.NewMessage(req.ID, payload))
}

// PostReply publishes a human answer on the shared reply topic. The view
// layer calls this when an operator responds.
func (c *Channel) PostReply(ctx context.Context, reply contractx.HumanReply) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return contractx.ErrCoordinatorClosed
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("coordination: marshal reply: %w", err)
	}

	return c.publishBounded(ctx, replyTopic, message.NewMessage(watermill.NewUUID(), payload))
}

func (c *Channel) publishBounded(ctx context.Context, topic string, msg *message.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- c.pubsub.Publish(topic, msg)
	}()

	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("coordination: publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("coordination: publish %s: send timed out", topic)
	}
}

// Subscribe dispatches every inbound reply to handler from a background
// goroutine. Delivery is at-least-once; handlers must treat duplicates as
// no-ops.
func (c *Channel) Subscribe(handler func(contractx.HumanReply)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return contractx.ErrCoordinatorClosed
	}
	c.mu.Unlock()

	messages, err := c.pubsub.Subscribe(c.ctx, replyTopic)
	if err != nil {
		return fmt.Errorf("coordination: subscribe replies: %w", err)
	}

	go func() {
		for msg := range messages {
			var reply contractx.HumanReply
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				log.Warn().Err(err).Str("msg_id", msg.UUID).Msg("coordination: dropping malformed reply")
				msg.Ack()
				continue
			}
			handler(reply)
			msg.Ack()
		}
	}()
	return nil
}

// SubscribeRequests streams escalation requests for one session, for the
// view layer. The channel closes when ctx is cancelled or the coordinator
// shuts down.
func (c *Channel) SubscribeRequests(ctx context.Context, sessionID string) (<-chan contractx.HumanRequest, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, contractx.ErrCoordinatorClosed
	}
	c.mu.Unlock()

	messages, err := c.pubsub.Subscribe(ctx, RequestTopic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("coordination: subscribe requests: %w", err)
	}

	out := make(chan contractx.HumanRequest, 8)
	go func() {
		defer close(out)
		for msg := range messages {
			var req contractx.HumanRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				log.Warn().Err(err).Str("msg_id", msg.UUID).Msg("coordination: dropping malformed request")
				msg.Ack()
				continue
			}
			select {
			case out <- req:
				msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.pubsub.Close()
}

var _ contractx.Coordinator = (*Channel)(nil)
