package stream

import (
	"context"
	"fmt"
	"log/slog"

	"rechat/pkg/ai"
	"rechat/pkg/domain"
	"rechat/pkg/store"
)

// Coordinator reconciles a reconnecting client with server-side
// generation state: it finds interrupted messages and re-attaches or
// restarts their generation without duplicating or losing output.
type Coordinator struct {
	store  store.Store
	mgr    *Manager
	logger *slog.Logger
}

// NewCoordinator wires the resume protocol against the writer and store.
func NewCoordinator(st store.Store, mgr *Manager, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		mgr:    mgr,
		logger: logger.With("component", "resume"),
	}
}

// FindInterrupted reports the conversation's unfinalized message, if
// any. A live in-process run takes precedence over persisted state and
// answers with the freshest accumulated text; otherwise the most recent
// streaming/interrupted row wins. Reads nothing else and writes nothing,
// so back-to-back probes answer identically.
func (c *Coordinator) FindInterrupted(ctx context.Context, conversationID, userID string) (domain.Message, bool, error) {
	if run := c.mgr.Active(conversationID); run != nil {
		if run.Message.UserID != userID {
			return domain.Message{}, false, nil
		}
		msg := run.Message
		msg.PartialContent = run.Snapshot()
		return msg, true, nil
	}
	msg, found, err := c.store.FindInterrupted(ctx, conversationID, userID)
	if err != nil || !found {
		return domain.Message{}, false, err
	}
	// A row that died before its first delta has nothing to replay or
	// continue; Resume rejects it, so the probe must not offer it.
	if msg.PartialContent == "" {
		return domain.Message{}, false, nil
	}
	return msg, true, nil
}

// Resume continues an interrupted generation. When the run is still live
// server-side the caller is simply re-attached to it; two tabs resuming
// concurrently therefore share one writer instead of forking the
// message. A persisted interrupted row restarts production on the same
// message id with a continuation prompt built from the prior turns and
// the stored partial text.
func (c *Coordinator) Resume(ctx context.Context, streamID, conversationID, userID, systemPrompt string, producer ai.TokenProducer) (*Run, error) {
	if run := c.mgr.Active(conversationID); run != nil {
		if run.Message.UserID != userID || run.Message.StreamID != streamID {
			return nil, store.ErrNotFound
		}
		return run, nil
	}

	msg, err := c.store.GetMessageByStream(ctx, streamID, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !msg.State.Streamable() || msg.PartialContent == "" {
		return nil, store.ErrNotFound
	}

	history, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	turns := continuationTurns(history, msg)

	c.logger.Info("resuming interrupted generation",
		"conversationId", conversationID,
		"messageId", msg.ID,
		"streamId", streamID,
		"partialChars", len(msg.PartialContent),
	)
	return c.mgr.resume(ctx, msg, systemPrompt, turns, producer)
}

// continuationTurns builds the continuation prompt: every turn before
// the interrupted message, then the stored partial text packaged as a
// continue-from-here instruction rather than re-sent as the model's own
// turn.
func continuationTurns(history []domain.Message, interrupted domain.Message) []ai.Turn {
	prior := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.ID == interrupted.ID {
			break
		}
		prior = append(prior, m)
	}
	turns := turnsForPrompt(prior)
	turns = append(turns, ai.Turn{
		Role: string(domain.RoleUser),
		Content: "You were interrupted while writing the response below. " +
			"Continue it from exactly where it stops. Do not repeat any text " +
			"already written and do not add a preamble.\n\n" +
			interrupted.PartialContent,
	})
	return turns
}
