package stub

import (
	"context"
	"errors"
	"sync"

	"dammdash/internal/solana"
)

// WSClient implements solana.WSClient with test-driven notification delivery.
type WSClient struct {
	mu     sync.Mutex
	subs   []chan solana.AccountNotification
	closed bool

	// SubscribeErr forces SubscribeProgram to fail.
	SubscribeErr error
}

// NewWSClient creates a new stub WebSocket client.
func NewWSClient() *WSClient {
	return &WSClient{}
}

// SubscribeProgram returns a channel fed by Publish. It closes when ctx ends.
func (c *WSClient) SubscribeProgram(ctx context.Context, _ solana.ProgramFilter) (<-chan solana.AccountNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	ch := make(chan solana.AccountNotification, 64)
	c.subs = append(c.subs, ch)

	go func() {
		<-ctx.Done()
		c.remove(ch)
	}()
	return ch, nil
}

func (c *WSClient) remove(ch chan solana.AccountNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == ch {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers n to every live subscription.
func (c *WSClient) Publish(n solana.AccountNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- n
	}
}

// Subscribers returns the number of live subscriptions.
func (c *WSClient) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close closes every subscription.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	return nil
}

var _ solana.WSClient = (*WSClient)(nil)
