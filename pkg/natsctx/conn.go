package natsctx

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Conn is the subset of a NATS connection the context depends on.
// WrapConn adapts a *nats.Conn.
type Conn interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Subscription is a live subscription on a Conn.
type Subscription interface {
	Unsubscribe() error
}

// StreamPublisher publishes to JetStream and resolves the publish ack later.
// WrapJetStream adapts a nats.JetStreamContext.
type StreamPublisher interface {
	PublishMsgAsync(msg *nats.Msg) (nats.PubAckFuture, error)
}

// WrapConn adapts nc to Conn. An empty queue subscribes without a queue group.
func WrapConn(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) PublishMsg(msg *nats.Msg) error {
	return c.nc.PublishMsg(msg)
}

func (c *natsConn) FlushWithContext(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// WrapJetStream adapts js to StreamPublisher.
func WrapJetStream(js nats.JetStreamContext) StreamPublisher {
	return &jetStream{js: js}
}

type jetStream struct {
	js nats.JetStreamContext
}

func (j *jetStream) PublishMsgAsync(msg *nats.Msg) (nats.PubAckFuture, error) {
	return j.js.PublishMsgAsync(msg)
}
