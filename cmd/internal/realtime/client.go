package realtime

import "sync"

// outbound is one queued frame. A final frame closes the stream once written.
type outbound struct {
	env   Envelope
	final bool
}

// Client represents one authenticated session-events stream.
//
// send is never closed by the server so concurrent hub fanout cannot panic;
// done signals the writer and heartbeat goroutines to stop.
type Client struct {
	UserID    string
	SessionID string

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		send:      make(chan outbound, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues a frame without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) offer(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- o:
		return true
	default:
		return false
	}
}
