// Package chat implements the chat session: an ordered transcript plus the
// submit/resolve/retry protocol that drives one request at a time against the
// assistant service.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/tripmate/internal/assistant"
	"github.com/comigor/tripmate/internal/logger"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultApology = "Sorry, I'm having trouble responding right now. Please try again in a moment."
)

// Rejections. None of them changes session state.
var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrBusy         = errors.New("chat: a request is already in flight")
	ErrNotFound     = errors.New("chat: message not found")
	ErrNotRetryable = errors.New("chat: only failed user messages can be retried")
	ErrClosed       = errors.New("chat: session closed")
)

// pendingRequest ties the request in flight to the message that triggered it.
type pendingRequest struct {
	messageID string
	history   []assistant.Turn
	cancel    context.CancelFunc
}

// Session owns the conversation. All mutation goes through Submit, Retry and
// Cancel; renderers read Snapshot after a Subscribe signal.
type Session struct {
	sender  assistant.Sender
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	apology string

	mu        sync.Mutex
	fsm       *stateless.StateMachine
	messages  []Message
	lastError string
	sessionID string
	version   uint64
	pending   *pendingRequest
	subs      map[int]chan struct{}
	nextSub   int
	closed    bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds each request. Non-positive values keep DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp user and apology messages.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator replaces the uuid message id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) { s.newID = newID }
}

// WithApology sets the assistant text appended when a turn fails.
func WithApology(text string) Option {
	return func(s *Session) { s.apology = text }
}

// New creates an idle session sending through sender.
func New(sender assistant.Sender, opts ...Option) *Session {
	s := &Session{
		sender:  sender,
		timeout: DefaultTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
		apology: DefaultApology,
		subs:    make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fsm = s.newTurnMachine()
	return s
}

// Submit appends text as a pending user message and dispatches the request
// without waiting for it. It is rejected with ErrEmptyMessage for blank text
// and ErrBusy while another request is in flight.
func (s *Session) Submit(text string) (Message, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		return Message{}, err
	}
	return s.submitLocked(content)
}

// Retry resends a failed user message: the failed message is removed and its
// content is submitted again under a new id.
func (s *Session) Retry(id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.messages, func(m Message) bool { return m.ID == id })
	if idx < 0 {
		return Message{}, ErrNotFound
	}
	failed := s.messages[idx]
	if failed.Sender != SenderUser || failed.State != StateFailed {
		return Message{}, ErrNotRetryable
	}
	if err := s.admitLocked(); err != nil {
		return Message{}, err
	}

	s.messages = slices.Delete(s.messages, idx, idx+1)
	logger.L.Debugw("retrying failed message", "failed_id", id)
	return s.submitLocked(failed.Content)
}

// Cancel aborts the request in flight. The turn then fails like any other
// aborted request. It reports whether there was anything to cancel.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.pending.cancel()
	return true
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Messages:  slices.Clone(s.messages),
		InFlight:  s.inFlightLocked(),
		LastError: s.lastError,
		SessionID: s.sessionID,
		Version:   s.version,
	}
}

// Subscribe returns a channel signalled after every state transition.
// Signals coalesce: a slow reader sees one signal and then reads the latest
// Snapshot. The channel is closed by the returned cancel func or by Close.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close cancels the request in flight, waits for it to resolve and closes all
// subscriptions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.pending != nil {
			s.pending.cancel()
		}
		s.mu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}

func (s *Session) admitLocked() error {
	if s.closed {
		return ErrClosed
	}
	if ok, err := s.fsm.CanFire(TriggerSubmit); err != nil || !ok {
		return ErrBusy
	}
	return nil
}

func (s *Session) inFlightLocked() bool {
	return s.fsm.MustState() == TurnSending
}

func (s *Session) submitLocked(content string) (Message, error) {
	msg := Message{
		ID:        s.newID(),
		Sender:    SenderUser,
		Content:   content,
		CreatedAt: s.now(),
		State:     StatePending,
	}
	if err := s.fsm.Fire(TriggerSubmit, msg); err != nil {
		return Message{}, fmt.Errorf("chat: submit: %w", err)
	}
	return msg, nil
}

// onSubmit runs on Idle -> Sending: optimistic append, then dispatch.
func (s *Session) onSubmit(_ context.Context, args ...any) error {
	msg := args[0].(Message)

	req := assistant.Request{
		Message:             msg.Content,
		ConversationHistory: ToWire(s.messages),
		SessionID:           s.sessionID,
	}
	s.messages = append(s.messages, msg)
	s.lastError = ""

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	p := &pendingRequest{messageID: msg.ID, history: req.ConversationHistory, cancel: cancel}
	s.pending = p
	s.changedLocked()

	logger.L.Debugw("dispatching chat request", "message_id", msg.ID, "history_len", len(req.ConversationHistory))
	s.wg.Add(1)
	go s.exchange(ctx, p, req)
	return nil
}

// exchange runs one request and resolves it exactly once, whatever happens.
func (s *Session) exchange(ctx context.Context, p *pendingRequest, req assistant.Request) {
	defer s.wg.Done()
	defer p.cancel()

	defer func() {
		// resolve is a no-op once the turn has been applied
		if r := recover(); r != nil {
			logger.L.Errorw("chat exchange panicked", "panic", r)
			s.resolve(p, assistant.Failed(&assistant.Failure{Kind: assistant.FailureUnknown, Err: fmt.Errorf("panic: %v", r)}))
		}
	}()

	s.resolve(p, s.await(ctx, req))
}

// await returns the sender's result or, if the sender ignores ctx, a
// failure built from ctx once it is done.
func (s *Session) await(ctx context.Context, req assistant.Request) assistant.Result {
	done := make(chan assistant.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- assistant.Failed(&assistant.Failure{Kind: assistant.FailureUnknown, Err: fmt.Errorf("sender panic: %v", r)})
			}
		}()
		done <- s.sender.Send(ctx, req)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		select {
		case res := <-done:
			return res
		default:
			return assistant.FromError(ctx.Err(), assistant.FailureUnknown)
		}
	}
}

func (s *Session) resolve(p *pendingRequest, res assistant.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != p {
		return
	}

	trigger := TriggerReplyReceived
	if !res.OK() {
		trigger = TriggerRequestFailed
	}
	if err := s.fsm.Fire(trigger, p, res); err != nil {
		logger.L.Errorw("turn machine rejected resolution; failing turn", "error", err)
		s.fail(p, res.Failure)
	}
}

// onReplyReceived runs on Sending -> Idle after a reply.
func (s *Session) onReplyReceived(_ context.Context, args ...any) error {
	p := args[0].(*pendingRequest)
	res := args[1].(assistant.Result)

	s.setState(p.messageID, StateDelivered)
	s.messages = append(s.messages, Message{
		ID:        s.newID(),
		Sender:    SenderAssistant,
		Content:   res.Reply.Reply,
		CreatedAt: res.Reply.Timestamp,
		State:     StateDelivered,
	})
	if res.Reply.SessionID != "" {
		s.sessionID = res.Reply.SessionID
	}
	s.pending = nil
	s.changedLocked()

	logger.L.Infow("chat reply received", "message_id", p.messageID, "session_id", res.Reply.SessionID, "tokens_used", res.Reply.TokensUsed)
	return nil
}

// onRequestFailed runs on Sending -> Idle after any failure.
func (s *Session) onRequestFailed(_ context.Context, args ...any) error {
	p := args[0].(*pendingRequest)
	res := args[1].(assistant.Result)
	s.fail(p, res.Failure)
	return nil
}

func (s *Session) fail(p *pendingRequest, f *assistant.Failure) {
	if f == nil {
		f = &assistant.Failure{Kind: assistant.FailureUnknown}
	}
	s.setState(p.messageID, StateFailed)
	s.lastError = Describe(f)
	s.messages = append(s.messages, Message{
		ID:        s.newID(),
		Sender:    SenderAssistant,
		Content:   s.apology,
		CreatedAt: s.now(),
		State:     StateDelivered,
	})
	s.pending = nil
	s.changedLocked()

	logger.L.Warnw("chat request failed", "message_id", p.messageID, "kind", f.Kind.String(), "error", f.Error())
}

func (s *Session) setState(id string, state DeliveryState) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].State = state
			return
		}
	}
}

func (s *Session) changedLocked() {
	s.version++
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Describe turns a failure into the text shown to the user.
func Describe(f *assistant.Failure) string {
	switch f.Kind {
	case assistant.FailureTransport:
		return "Unable to reach the travel assistant. Check your connection and try again."
	case assistant.FailureTimeout:
		return "The travel assistant took too long to respond."
	case assistant.FailureAborted:
		return "The request was cancelled."
	case assistant.FailureHTTP:
		if f.Detail != "" {
			return fmt.Sprintf("The travel assistant returned an error (%d): %s", f.StatusCode, f.Detail)
		}
		return fmt.Sprintf("The travel assistant returned an error (%d).", f.StatusCode)
	case assistant.FailureProtocol:
		return "The travel assistant sent a response that could not be read."
	default:
		return "Something went wrong while sending your message."
	}
}
