package mqtt

import (
	"fmt"
)

// Subscribe registers handler for topic. The bridge subscribes to
// {prefix}/command/+ and {prefix}/modem/command.
//
// The subscription is remembered and restored after every reconnect.
// Handlers run on paho's goroutines, so they should hand work off rather
// than drive the modem themselves.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(subscription{topic: topic, qos: qos, handler: handler})
	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed, topic); err != nil {
		c.untrack(topic)
		return err
	}
	return nil
}

// Unsubscribe drops a subscription made with Subscribe. It is forgotten
// even when the broker is unreachable, so a later reconnect does not
// restore it. Messages already in flight may still reach the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.untrack(topic)

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Unsubscribe(topic), ErrUnsubscribeFailed, topic)
}

func (c *Client) track(s subscription) {
	c.subMu.Lock()
	c.subscriptions[s.topic] = s
	c.subMu.Unlock()
}

func (c *Client) untrack(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}
