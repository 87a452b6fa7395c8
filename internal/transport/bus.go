// Package transport is the per-process message bus connecting the controller
// with its worker processes.
//
// Each process owns one Bus. Processes are connected in a tree: the
// controller registers one Link per worker, a worker registers a single Link
// to its parent under RootID. Payloads cross links in the codec's tagged form
// and are reconstructed before handlers run.
//
// Delivery model:
//   - Inbound frames from every link, and local emits, go through one
//     unbounded queue drained by a single dispatch goroutine, so handlers run
//     to completion one at a time.
//   - Frames written to one link are read in order by the peer, giving FIFO
//     per source→target pair. There is no order across different sources.
//   - Handlers must not block waiting for another message (e.g. by calling
//     Request); the awaited message would queue behind them.
//   - Handlers must not call Close: Close waits for the dispatch goroutine
//     the handler is running on. Close from another goroutine instead.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/testhive/internal/codec"
	"github.com/mattjoyce/testhive/internal/log"
)

// RootID is the process id of the controller on every bus.
const RootID = "root"

// Local events published by the bus itself.
const (
	EventProcessExited = "transport/process_exited"
	EventDecodeError   = "transport/decode_error"
)

var (
	// ErrUnknownProcess is returned when sending to an id that was never
	// registered.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrProcessExited is returned when the target's link has closed.
	ErrProcessExited = errors.New("process exited")
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus closed")
)

// Message is a delivered message. Source is the sending process id, empty
// for local emits. UID is set on direct messages that take part in a
// request/response exchange.
type Message struct {
	Type    string
	UID     string
	Source  string
	Payload any

	raw codec.Value
}

// Bind decodes the payload into dst using dst's json tags.
func (m Message) Bind(dst any) error {
	if m.raw == nil {
		return codec.Bind(codec.Null{}, dst)
	}
	return codec.Bind(m.raw, dst)
}

// Handler receives messages on the dispatch goroutine.
type Handler func(Message)

type subscription struct {
	id      uint64
	msgType string
	once    bool
	filter  func(Message) bool
	handler Handler
}

type peer struct {
	id   string
	link Link
	done chan struct{}
}

type inbound struct {
	env  *Envelope
	from string // registered peer id, empty for local emits
	val  codec.Value
}

// Bus is one process's endpoint.
type Bus struct {
	id     string
	funcs  *codec.FuncRegistry
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	peers   map[string]*peer
	subs    map[string]map[uint64]*subscription
	nextSub uint64

	qmu    sync.Mutex
	queue  []inbound
	signal chan struct{}

	stop    chan struct{}
	stopped chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithFuncRegistry resolves Function payload values against reg.
func WithFuncRegistry(reg *codec.FuncRegistry) BusOption {
	return func(b *Bus) { b.funcs = reg }
}

// WithLogger overrides the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates the endpoint for process id and starts its dispatch loop.
func NewBus(id string, opts ...BusOption) *Bus {
	b := &Bus{
		id:      id,
		peers:   make(map[string]*peer),
		subs:    make(map[string]map[uint64]*subscription),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.WithComponent("transport").With("process", id)
	}
	go b.dispatchLoop()
	return b
}

// ID returns this process's id.
func (b *Bus) ID() string { return b.id }

// RegisterProcess associates id with link and starts reading from it. It
// replaces any previous link registered under the same id.
func (b *Bus) RegisterProcess(id string, link Link) error {
	if id == "" {
		return errors.New("process id is empty")
	}
	p := &peer{id: id, link: link, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	old := b.peers[id]
	b.peers[id] = p
	b.mu.Unlock()

	if old != nil {
		_ = old.link.Close()
	}
	go b.readLoop(p)
	b.logger.Debug("process registered", "peer", id)
	return nil
}

// UnregisterProcess closes and forgets the link for id.
func (b *Bus) UnregisterProcess(id string) {
	b.mu.Lock()
	p := b.peers[id]
	delete(b.peers, id)
	b.mu.Unlock()

	if p != nil {
		_ = p.link.Close()
	}
}

// Processes returns the ids of all registered processes, sorted.
func (b *Bus) Processes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast delivers to local subscribers and to every connected process.
// A worker's broadcast reaches its parent, which re-delivers it to the other
// workers.
func (b *Bus) Broadcast(ctx context.Context, msgType string, payload any) error {
	env, val, err := b.envelope(FrameBroadcast, msgType, "", payload)
	if err != nil {
		return err
	}
	b.enqueue(inbound{env: env, val: val})

	var errs []error
	for _, p := range b.peerSnapshot("") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.link.Send(env); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastLocal delivers only to subscribers in this process.
func (b *Bus) BroadcastLocal(msgType string, payload any) error {
	env, val, err := b.envelope(FrameBroadcast, msgType, "", payload)
	if err != nil {
		return err
	}
	b.enqueue(inbound{env: env, val: val})
	return nil
}

// Send delivers to exactly one process. A nil error acknowledges that the
// frame was handed to the target's link.
func (b *Bus) Send(ctx context.Context, target, msgType string, payload any) error {
	return b.sendDirect(ctx, target, msgType, "", payload)
}

// Reply answers req on the process it came from, reusing its uid.
func (b *Bus) Reply(ctx context.Context, req Message, msgType string, payload any) error {
	if req.Source == "" {
		return fmt.Errorf("reply to %q: request has no source", req.Type)
	}
	return b.sendDirect(ctx, req.Source, msgType, req.UID, payload)
}

// Request sends reqType to target with a fresh uid and waits for a respType
// message from target carrying the same uid.
func (b *Bus) Request(ctx context.Context, target, reqType, respType string, payload any) (Message, error) {
	p, err := b.lookup(target)
	if err != nil {
		return Message{}, err
	}

	uid := uuid.NewString()
	resp := make(chan Message, 1)
	unsubscribe := b.subscribe(respType, true, func(m Message) bool {
		return m.Source == target && m.UID == uid
	}, func(m Message) {
		resp <- m
	})
	defer unsubscribe()

	if err := b.sendDirect(ctx, target, reqType, uid, payload); err != nil {
		return Message{}, err
	}

	select {
	case m := <-resp:
		return m, nil
	case <-p.done:
		// The response may have been queued just before the link closed.
		select {
		case m := <-resp:
			return m, nil
		default:
		}
		return Message{}, fmt.Errorf("request %s to %s: %w", reqType, target, ErrProcessExited)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.stop:
		return Message{}, ErrBusClosed
	}
}

// On subscribes handler to msgType until the returned func is called.
func (b *Bus) On(msgType string, handler Handler) func() {
	return b.subscribe(msgType, false, nil, handler)
}

// Once subscribes handler to the next msgType message only.
func (b *Bus) Once(msgType string, handler Handler) func() {
	return b.subscribe(msgType, true, nil, handler)
}

// OnceFrom subscribes handler to the next msgType message sent by source.
func (b *Bus) OnceFrom(source, msgType string, handler Handler) func() {
	return b.subscribe(msgType, true, func(m Message) bool { return m.Source == source }, handler)
}

// Close closes every link and stops the dispatch loop. Queued messages are
// discarded. It must not be called from a Handler.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	peers := b.peers
	b.peers = make(map[string]*peer)
	b.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	close(b.stop)
	<-b.stopped
	return errors.Join(errs...)
}

func (b *Bus) subscribe(msgType string, once bool, filter func(Message) bool, handler Handler) func() {
	b.mu.Lock()
	b.nextSub++
	sub := &subscription{id: b.nextSub, msgType: msgType, once: once, filter: filter, handler: handler}
	if b.subs[msgType] == nil {
		b.subs[msgType] = make(map[uint64]*subscription)
	}
	b.subs[msgType][sub.id] = sub
	b.mu.Unlock()

	return func() { b.removeSub(sub) }
}

func (b *Bus) removeSub(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.msgType]
	if _, ok := set[sub.id]; !ok {
		return false
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.msgType)
	}
	return true
}

func (b *Bus) envelope(kind FrameKind, msgType, uid string, payload any) (*Envelope, codec.Value, error) {
	if msgType == "" {
		return nil, nil, errors.New("message type is empty")
	}
	val, err := codec.Serialize(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize %s payload: %w", msgType, err)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return &Envelope{Kind: kind, Type: msgType, UID: uid, Source: b.id, Payload: raw}, val, nil
}

func (b *Bus) sendDirect(ctx context.Context, target, msgType, uid string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.lookup(target)
	if err != nil {
		return err
	}
	env, _, err := b.envelope(FrameDirect, msgType, uid, payload)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return fmt.Errorf("send %s to %s: %w", msgType, target, ErrProcessExited)
	default:
	}
	if err := p.link.Send(env); err != nil {
		return fmt.Errorf("send %s to %s: %w: %v", msgType, target, ErrProcessExited, err)
	}
	return nil
}

func (b *Bus) lookup(id string) (*peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	p, ok := b.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcess, id)
	}
	return p, nil
}

func (b *Bus) peerSnapshot(except string) []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.peers))
	for id, p := range b.peers {
		if id != except {
			out = append(out, p)
		}
	}
	return out
}

func (b *Bus) readLoop(p *peer) {
	defer func() {
		close(p.done)

		b.mu.Lock()
		current := b.peers[p.id] == p
		if current {
			delete(b.peers, p.id)
		}
		closed := b.closed
		b.mu.Unlock()

		if current && !closed {
			b.logger.Debug("process link closed", "peer", p.id)
			_ = b.BroadcastLocal(EventProcessExited, map[string]any{"id": p.id})
		}
	}()

	for {
		env, err := p.link.Receive()
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				b.logger.Error("dropping invalid frame", "peer", p.id, "error", err)
				b.publishDecodeError(p.id, "", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				b.logger.Warn("process link failed", "peer", p.id, "error", err)
			}
			return
		}

		if env.Kind == FrameBroadcast {
			// Re-deliver to the rest of the tree.
			for _, other := range b.peerSnapshot(p.id) {
				if err := other.link.Send(env); err != nil {
					b.logger.Warn("broadcast relay failed", "peer", other.id, "type", env.Type, "error", err)
				}
			}
		}
		b.enqueue(inbound{env: env, from: p.id})
	}
}

func (b *Bus) enqueue(in inbound) {
	b.qmu.Lock()
	b.queue = append(b.queue, in)
	b.qmu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bus) dequeueAll() []inbound {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch
}

func (b *Bus) dispatchLoop() {
	defer close(b.stopped)
	for {
		select {
		case <-b.stop:
			return
		case <-b.signal:
		}
		for _, in := range b.dequeueAll() {
			select {
			case <-b.stop:
				return
			default:
			}
			b.dispatch(in)
		}
	}
}

func (b *Bus) dispatch(in inbound) {
	msg := Message{Type: in.env.Type, UID: in.env.UID}
	switch {
	case in.from == "":
		msg.Source = ""
	case in.env.Kind == FrameBroadcast && in.env.Source != "":
		msg.Source = in.env.Source
	default:
		msg.Source = in.from
	}

	val := in.val
	if val == nil {
		decoded, err := codec.Decode(in.env.Payload)
		if err != nil {
			b.logger.Error("payload decode failed", "type", in.env.Type, "source", msg.Source, "error", err)
			b.publishDecodeError(msg.Source, in.env.Type, err)
			return
		}
		val = decoded
	}

	var opts []codec.Option
	if b.funcs != nil {
		opts = append(opts, codec.WithFuncRegistry(b.funcs))
	}
	payload, err := codec.Deserialize(val, opts...)
	if err != nil {
		b.logger.Error("payload reconstruct failed", "type", in.env.Type, "source", msg.Source, "error", err)
		b.publishDecodeError(msg.Source, in.env.Type, err)
		return
	}
	msg.Payload = payload
	msg.raw = val

	for _, sub := range b.matching(msg) {
		b.invoke(sub, msg)
	}
}

// matching returns the subscribers for msg, removing once-subscriptions
// before they run.
func (b *Bus) matching(msg Message) []*subscription {
	b.mu.Lock()
	set := b.subs[msg.Type]
	candidates := make([]*subscription, 0, len(set))
	for _, sub := range set {
		candidates = append(candidates, sub)
	}
	b.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	out := candidates[:0]
	for _, sub := range candidates {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		if sub.once && !b.removeSub(sub) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *Bus) invoke(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "type", msg.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	sub.handler(msg)
}

func (b *Bus) publishDecodeError(source, msgType string, err error) {
	if msgType == EventDecodeError {
		return
	}
	_ = b.BroadcastLocal(EventDecodeError, map[string]any{
		"source": source,
		"type":   msgType,
		"error":  err.Error(),
	})
}
