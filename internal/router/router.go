// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
)

type mailbox struct {
	mu       sync.Mutex
	agentID  string
	queue    []Message // messages that arrived with no registered handler
	handlers map[string]Handler
}

// deliverLocked invokes every registered handler with msg, in registration
// order is not guaranteed but invocation for this msg across handlers
// happens atomically with respect to other Sends to the same mailbox.
// Must be called with mb.mu held.
func (mb *mailbox) deliverLocked(msg Message, logger logging.Logger) {
	for id, h := range mb.handlers {
		invokeHandler(id, h, msg, logger)
	}
}

func invokeHandler(handlerID string, h Handler, msg Message, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("router handler panicked",
				"handler_id", handlerID, "mailbox", msg.To, "panic", r)
		}
	}()
	h(msg)
}

type pendingResponse struct {
	result    chan responseResult
	expiresAt time.Time
}

type responseResult struct {
	payload any
	err     error
}

// Router is the coordination core's sole message-passing surface between
// agents: per-recipient mailboxes, request/response correlation by
// message id, and broadcast.
type Router struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	pending   map[string]*pendingResponse

	clock          clock.Clock
	bus            *eventbus.Bus
	log            logging.Logger
	transport      Transport
	messageTimeout time.Duration

	shutdownMu sync.RWMutex
	shutdown   bool
}

// New creates a message router. messageTimeout is the default expiry for
// messages that don't specify one and the default response deadline.
func New(messageTimeout time.Duration, clk clock.Clock, bus *eventbus.Bus, logger logging.Logger, transport Transport) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Router{
		mailboxes:      make(map[string]*mailbox),
		pending:        make(map[string]*pendingResponse),
		clock:          clk,
		bus:            bus,
		log:            logger,
		transport:      transport,
		messageTimeout: messageTimeout,
	}
}

func (r *Router) mailboxFor(agentID string) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[agentID]
	if !ok {
		mb = &mailbox{agentID: agentID, handlers: make(map[string]Handler)}
		r.mailboxes[agentID] = mb
	}
	return mb
}

func (r *Router) isShutdown() bool {
	r.shutdownMu.RLock()
	defer r.shutdownMu.RUnlock()
	return r.shutdown
}

// Send delivers payload from `from` to `to` with priority 0,
// fire-and-forget; the message expires messageTimeout after it is sent.
func (r *Router) Send(from, to, msgType string, payload any) (Message, error) {
	return r.send(from, to, msgType, payload, 0, time.Time{})
}

// SendWithPriority is Send with an explicit priority, used by callers that
// need ordering hints beyond arrival order (the router itself delivers in
// send order regardless; priority is carried for handler-side use).
func (r *Router) SendWithPriority(from, to, msgType string, payload any, priority int) (Message, error) {
	return r.send(from, to, msgType, payload, priority, time.Time{})
}

func (r *Router) send(from, to, msgType string, payload any, priority int, expiry time.Time) (Message, error) {
	if r.isShutdown() {
		return Message{}, coreerrors.ErrRouterShutdown
	}

	now := r.clock.Now()
	if expiry.IsZero() && r.messageTimeout > 0 {
		expiry = now.Add(r.messageTimeout)
	}

	msg := Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: now,
		Priority:  priority,
		Expiry:    expiry,
	}

	r.deliver(msg)
	return msg, nil
}

func (r *Router) deliver(msg Message) {
	mb := r.mailboxFor(msg.To)

	mb.mu.Lock()
	if len(mb.handlers) > 0 {
		mb.deliverLocked(msg, r.log)
	} else {
		mb.queue = append(mb.queue, msg)
	}
	mb.mu.Unlock()

	r.emitSent(msg)
	r.emitReceived(msg)

	if r.transport != nil && msg.To != "" {
		if err := r.transport(msg); err != nil {
			r.log.Warn("transport delivery failed", "message_id", msg.ID, "to", msg.To, "error", err.Error())
		}
	}
}

// Broadcast delivers payload from `from` to every known mailbox except
// `from` itself.
func (r *Router) Broadcast(from, msgType string, payload any) []Message {
	r.mu.RLock()
	targets := make([]string, 0, len(r.mailboxes))
	for id := range r.mailboxes {
		if id != from {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	sent := make([]Message, 0, len(targets))
	for _, to := range targets {
		msg, err := r.Send(from, to, msgType, payload)
		if err == nil {
			sent = append(sent, msg)
		}
	}
	return sent
}

// Subscribe registers handler against agentID's mailbox, immediately
// flushing any messages that arrived before any handler existed, in send
// order.
func (r *Router) Subscribe(agentID string, handler Handler) string {
	mb := r.mailboxFor(agentID)
	handlerID := uuid.New().String()

	mb.mu.Lock()
	mb.handlers[handlerID] = handler
	queued := mb.queue
	mb.queue = nil
	now := r.clock.Now()
	for _, msg := range queued {
		if msg.expired(now) {
			continue
		}
		mb.deliverLocked(msg, r.log)
	}
	mb.mu.Unlock()

	return handlerID
}

// Unsubscribe removes handlerID from agentID's mailbox.
func (r *Router) Unsubscribe(agentID, handlerID string) {
	r.mu.RLock()
	mb, ok := r.mailboxes[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	mb.mu.Lock()
	delete(mb.handlers, handlerID)
	mb.mu.Unlock()
}

// SendWithResponse sends payload to `to` and blocks until SendResponse is
// called with the returned message's id, ctx is cancelled, or timeout
// elapses, whichever comes first. A zero timeout uses messageTimeout.
func (r *Router) SendWithResponse(ctx context.Context, from, to, msgType string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = r.messageTimeout
	}

	msg, err := r.send(from, to, msgType, payload, 0, time.Time{})
	if err != nil {
		return nil, err
	}

	pr := &pendingResponse{
		result:    make(chan responseResult, 1),
		expiresAt: r.clock.Now().Add(timeout),
	}
	r.mu.Lock()
	r.pending[msg.ID] = pr
	r.mu.Unlock()

	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.result:
		return res.payload, res.err
	case <-timer.C():
		r.mu.Lock()
		delete(r.pending, msg.ID)
		r.mu.Unlock()
		return nil, coreerrors.ErrResponseTimeout
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, msg.ID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendResponse resolves the pending SendWithResponse call correlated by
// originalID. Returns false if no such pending call exists (already timed
// out, already answered, or never requested a response).
func (r *Router) SendResponse(originalID string, payload any) bool {
	r.mu.Lock()
	pr, ok := r.pending[originalID]
	if ok {
		delete(r.pending, originalID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pr.result <- responseResult{payload: payload}
	return true
}

// Sweep drops expired queued messages, reaps mailboxes left with no
// handlers and no queued messages, and fails pending responses whose
// deadline has passed without a SendResponse. Invoked periodically by the
// coordination manager's maintenance loop.
func (r *Router) Sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	for id, mb := range r.mailboxes {
		mb.mu.Lock()
		kept := mb.queue[:0]
		for _, msg := range mb.queue {
			if !msg.expired(now) {
				kept = append(kept, msg)
			}
		}
		mb.queue = kept
		empty := len(mb.handlers) == 0 && len(mb.queue) == 0
		mb.mu.Unlock()
		if empty {
			delete(r.mailboxes, id)
		}
	}

	var expired []*pendingResponse
	for id, pr := range r.pending {
		if !pr.expiresAt.After(now) {
			expired = append(expired, pr)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, pr := range expired {
		select {
		case pr.result <- responseResult{err: coreerrors.ErrResponseTimeout}:
		default:
		}
	}
}

// Shutdown stops accepting new Send calls and fails every pending response
// with coreerrors.ErrRouterShutdown.
func (r *Router) Shutdown() {
	r.shutdownMu.Lock()
	r.shutdown = true
	r.shutdownMu.Unlock()

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingResponse)
	r.mu.Unlock()

	for _, pr := range pending {
		select {
		case pr.result <- responseResult{err: coreerrors.ErrRouterShutdown}:
		default:
		}
	}
}

func (r *Router) emitSent(msg Message) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(eventbus.Event{
		Kind:   eventbus.KindMessageSent,
		Source: "router",
		Fields: map[string]any{"message_id": msg.ID, "from": msg.From, "to": msg.To, "type": msg.Type},
	})
}

func (r *Router) emitReceived(msg Message) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(eventbus.Event{
		Kind:   eventbus.KindMessageReceived,
		Source: "router",
		Fields: map[string]any{"message_id": msg.ID, "from": msg.From, "to": msg.To, "type": msg.Type},
	})
}
