package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/google/uuid"
)

var ErrTimeout = errors.New("timed out waiting for the engine")

// Submitter queues a request for the engine. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req protocol.Request) error
}

// Gateway sends commands to the engine and waits for the matching reply
type Gateway struct {
	engine  Submitter
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan protocol.Event
}

func NewGateway(engine Submitter, timeout time.Duration) *Gateway {
	return &Gateway{
		engine:  engine,
		timeout: timeout,
		waiters: map[string]chan protocol.Event{},
	}
}

// Request submits cmd under a fresh client id and returns the engine reply.
// An engine Error reply is returned as the error.
func (g *Gateway) Request(ctx context.Context, cmd protocol.Command) (protocol.Event, error) {
	clientID := uuid.NewString()
	ch := make(chan protocol.Event, 1)

	g.mu.Lock()
	g.waiters[clientID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, clientID)
		g.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.engine.Submit(ctx, protocol.Request{ClientID: clientID, Command: cmd}); err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", cmd.CommandType(), err)
	}

	select {
	case ev := <-ch:
		if e, ok := ev.(protocol.Error); ok {
			return nil, e
		}
		return ev, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeout, cmd.CommandType())
	}
}

// OpenAccount creates the engine account for a new login
func (g *Gateway) OpenAccount(ctx context.Context, userID string) error {
	_, err := g.Request(ctx, protocol.CreateUser{UserID: userID})
	return err
}

// Deliver hands ev to a pending Request. It reports false when nobody in
// this process is waiting for clientID.
func (g *Gateway) Deliver(clientID string, ev protocol.Event) bool {
	g.mu.Lock()
	ch, ok := g.waiters[clientID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ev:
	default:
	}
	return true
}

// Pending returns the number of requests waiting for a reply
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
