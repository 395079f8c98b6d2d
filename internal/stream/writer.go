package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"rechat/pkg/ai"
	"rechat/pkg/domain"
	"rechat/pkg/store"
)

// ErrGenerationActive is returned when a generation is already running
// for the conversation. One conversation has at most one active writer.
var ErrGenerationActive = errors.New("stream: generation already active for conversation")

const (
	finalizeAttempts = 3
	finalizeBackoff  = 200 * time.Millisecond
	persistTimeout   = 5 * time.Second
	listenerBuffer   = 64
)

// Manager drives generation attempts from a TokenProducer to a terminal
// message state, with durable resumable progress. It owns the in-process
// registry of active runs that enforces the single-active-generation
// invariant.
type Manager struct {
	store  store.Store
	bus    *Bus
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Run // conversation ID -> run
}

// NewManager wires the writer against its collaborators.
func NewManager(st store.Store, bus *Bus, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "writer"),
		active: make(map[string]*Run),
	}
}

// Start begins a generation attempt: creates the assistant row in
// streaming state with a fresh stream id, notifies the user's live
// connections, and spawns the run loop. The loop is detached from the
// request context so a client disconnect does not stop generation;
// only Stop or producer termination ends it.
func (m *Manager) Start(ctx context.Context, conv domain.Conversation, prior []domain.Message, systemPrompt string, producer ai.TokenProducer) (*Run, error) {
	now := time.Now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           domain.RoleAssistant,
		State:          domain.StateStreaming,
		StreamID:       uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	run, err := m.reserve(conv.ID, msg)
	if err != nil {
		return nil, err
	}

	// The in-process map only covers this process. A row still in
	// streaming state with no live run is an orphan from a crashed or
	// restarted server; demote it before creating a new one so the
	// conversation never holds two streaming rows. Its partial content
	// survives, so the orphan stays resumable.
	if stale, found, err := m.store.FindInterrupted(ctx, conv.ID, conv.UserID); err != nil {
		m.release(conv.ID, run)
		return nil, fmt.Errorf("check streaming state: %w", err)
	} else if found && stale.State == domain.StateStreaming {
		m.logger.Warn("demoting orphaned streaming message",
			"conversationId", conv.ID, "messageId", stale.ID, "streamId", stale.StreamID)
		if err := m.store.MarkInterrupted(ctx, stale.ID); err != nil {
			m.release(conv.ID, run)
			return nil, fmt.Errorf("demote orphaned streaming message: %w", err)
		}
	}

	if err := m.store.CreateMessage(ctx, msg); err != nil {
		m.release(conv.ID, run)
		return nil, fmt.Errorf("create assistant message: %w", err)
	}

	m.launch(ctx, run, systemPrompt, turnsForPrompt(prior), producer)
	return run, nil
}

// Stop cancels the conversation's active run. The accumulated text
// becomes the final content; stopping is a first-class terminal path,
// not an error. Returns false when no run belonging to the user exists.
func (m *Manager) Stop(conversationID, userID string) bool {
	run := m.Active(conversationID)
	if run == nil || run.Message.UserID != userID {
		return false
	}
	run.cancel()
	return true
}

// Active returns the conversation's running generation, if any.
func (m *Manager) Active(conversationID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[conversationID]
}

// resume restarts generation on an existing interrupted row, priming the
// accumulator with its stored partial content so every later persist
// write is a prefix-preserving continuation.
func (m *Manager) resume(ctx context.Context, msg domain.Message, systemPrompt string, turns []ai.Turn, producer ai.TokenProducer) (*Run, error) {
	run, err := m.reserve(msg.ConversationID, msg)
	if err != nil {
		return nil, err
	}
	run.acc.WriteString(msg.PartialContent)

	if err := m.store.MarkStreaming(ctx, msg.ID); err != nil {
		m.release(msg.ConversationID, run)
		return nil, fmt.Errorf("mark streaming: %w", err)
	}

	m.launch(ctx, run, systemPrompt, turns, producer)
	return run, nil
}

func (m *Manager) reserve(conversationID string, msg domain.Message) (*Run, error) {
	run := &Run{
		Message: msg,
		mgr:     m,
		subs:    make(map[chan string]struct{}),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[conversationID]; busy {
		return nil, ErrGenerationActive
	}
	m.active[conversationID] = run
	return run, nil
}

func (m *Manager) release(conversationID string, run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[conversationID] == run {
		delete(m.active, conversationID)
	}
}

func (m *Manager) launch(ctx context.Context, run *Run, systemPrompt string, turns []ai.Turn, producer ai.TokenProducer) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel
	m.bus.Publish(run.Message.UserID, domain.Event{
		Type:           domain.EventConversationStreaming,
		ConversationID: run.Message.ConversationID,
		IsStreaming:    true,
	})
	go run.loop(runCtx, systemPrompt, turns, producer)
}

// Run is one generation attempt bound to one assistant message row.
type Run struct {
	Message domain.Message

	mgr    *Manager
	cancel context.CancelFunc

	mu    sync.Mutex
	acc   strings.Builder
	subs  map[chan string]struct{}
	final string
	err   error

	done chan struct{}
}

// Attach subscribes a listener to the run's remaining deltas and returns
// the text accumulated so far, so a late or resuming client replays the
// stored prefix before live continuation. The channel is closed when the
// run ends; a listener that stops draining is dropped.
func (r *Run) Attach() (string, <-chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.acc.String()
	ch := make(chan string, listenerBuffer)
	select {
	case <-r.done:
		close(ch)
	default:
		r.subs[ch] = struct{}{}
	}
	return snapshot, ch
}

// Detach removes a listener without affecting the run.
func (r *Run) Detach(ch <-chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		if sub == ch {
			delete(r.subs, sub)
			close(sub)
			return
		}
	}
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal error: nil after completion or stop, the
// producer error after an interruption.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Final returns the finalized content; empty until Done.
func (r *Run) Final() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Snapshot returns the text accumulated so far.
func (r *Run) Snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.String()
}

func (r *Run) loop(ctx context.Context, systemPrompt string, turns []ai.Turn, producer ai.TokenProducer) {
	logger := r.mgr.logger.With(
		"conversationId", r.Message.ConversationID,
		"messageId", r.Message.ID,
		"streamId", r.Message.StreamID,
	)

	var streamErr error
	for delta, err := range producer.Stream(ctx, systemPrompt, turns) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			streamErr = err
			break
		}
		r.deliver(delta)
		r.persistPartial(logger)
	}

	if streamErr == nil {
		// Normal completion and user stop share the same terminal
		// path: the accumulated text is the final content.
		r.finishComplete(logger)
		return
	}
	r.finishInterrupted(logger, streamErr)
}

// deliver appends the delta and fans it out to attached listeners in
// producer order.
func (r *Run) deliver(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acc.WriteString(delta)
	for ch := range r.subs {
		select {
		case ch <- delta:
		default:
			delete(r.subs, ch)
			close(ch)
		}
	}
}

// persistPartial mirrors the accumulator into the row. Failures are
// logged and swallowed: losing one intermediate write only loses a bit
// of resumability granularity, never the final result. The write uses a
// detached context so client cancellation cannot drop progress.
func (r *Run) persistPartial(logger *slog.Logger) {
	ctx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()
	if err := r.mgr.store.UpdateMessagePartial(ctx, r.Message.ID, r.Snapshot()); err != nil {
		logger.Warn("partial-content write failed", "err", err)
	}
}

func (r *Run) finishComplete(logger *slog.Logger) {
	content := r.Snapshot()

	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		ctx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
		err = r.mgr.store.FinalizeMessage(ctx, r.Message.ID, content)
		cancelPersist()
		if err == nil {
			break
		}
		logger.Warn("finalize attempt failed", "attempt", attempt, "err", err)
		time.Sleep(finalizeBackoff * time.Duration(attempt))
	}

	if err != nil {
		// The one write the system cannot silently lose. Leave the row
		// interrupted so a later resume can still recover the text.
		logger.Error("finalization failed, leaving message resumable", "err", err)
		r.markInterrupted(logger)
		r.finish("", fmt.Errorf("finalize message: %w", err))
		return
	}

	r.finish(content, nil)
	logger.Info("generation finalized", "chars", len(content))
}

func (r *Run) finishInterrupted(logger *slog.Logger, cause error) {
	logger.Error("producer failed, keeping partial output for resume", "err", cause)
	r.markInterrupted(logger)
	r.finish("", cause)
}

func (r *Run) markInterrupted(logger *slog.Logger) {
	ctx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()
	if err := r.mgr.store.MarkInterrupted(ctx, r.Message.ID); err != nil {
		logger.Error("mark interrupted failed", "err", err)
	}
}

func (r *Run) finish(final string, terminal error) {
	r.mu.Lock()
	r.final = final
	r.err = terminal
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
	close(r.done)
	r.mu.Unlock()

	r.mgr.release(r.Message.ConversationID, r)
	r.mgr.bus.Publish(r.Message.UserID, domain.Event{
		Type:           domain.EventConversationStreaming,
		ConversationID: r.Message.ConversationID,
		IsStreaming:    false,
	})
}

// turnsForPrompt converts persisted messages into provider turns,
// skipping rows that never finalized.
func turnsForPrompt(messages []domain.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleAssistant && m.State != domain.StateComplete {
			continue
		}
		if m.Content == "" {
			continue
		}
		turns = append(turns, ai.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}
