package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// querySlot is the in-flight execute or rollback of a query. A query has at most one slot; whoever removes
// it owns the outcome, so an abort that wins the race makes the late response be ignored.
type querySlot struct {
	token     uint64
	messageID string
	cancel    context.CancelCauseFunc
}

// RequestExecute executes a query, unless it is critical: then the confirmation is recorded and
// ErrConfirmationRequired is returned without calling the backend.
func (s *Session) RequestExecute(ctx context.Context, messageID, queryID string) error {
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return ErrQueryNotFound
	}

	if q.IsCritical {
		s.mu.Lock()
		s.confirmations[queryID] = messageID
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
		return ErrConfirmationRequired
	}
	return s.Execute(ctx, messageID, queryID)
}

// ConfirmExecute executes a critical query the user confirmed.
func (s *Session) ConfirmExecute(ctx context.Context, messageID, queryID string) error {
	s.mu.Lock()
	_, pending := s.confirmations[queryID]
	delete(s.confirmations, queryID)
	s.mu.Unlock()

	if !pending {
		return ErrConfirmationRequired
	}
	return s.Execute(ctx, messageID, queryID)
}

// DismissConfirmation drops a pending confirmation. Nothing is sent to the backend.
func (s *Session) DismissConfirmation(messageID, queryID string) {
	s.mu.Lock()
	_, pending := s.confirmations[queryID]
	delete(s.confirmations, queryID)
	s.mu.Unlock()

	if pending {
		s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	}
}

// Execute runs a query on the backend and applies the outcome. The first block of results is cached as the
// first two pages. Execute returns ErrAborted if the query was aborted or the chat changed meanwhile.
func (s *Session) Execute(ctx context.Context, messageID, queryID string) error {
	chatID, gen, err := s.activeChat()
	if err != nil {
		return err
	}
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return ErrQueryNotFound
	}

	runCtx, token, err := s.acquireSlot(ctx, messageID, queryID, QueryState{IsExecuting: true})
	if err != nil {
		return err
	}

	res, err := s.runQuery(runCtx, chatID, messageID, queryID, s.api.ExecuteQuery)
	if !s.releaseSlot(gen, queryID, token, QueryState{IsExample: !q.IsExecuted && (err != nil || !res.IsExecuted)}) {
		return ErrAborted
	}
	if err != nil {
		return s.queryFailed(runCtx, messageID, "Query execution failed", err)
	}

	s.store.UpdateQuery(messageID, queryID, func(q *models.Query) {
		q.IsExecuted = res.IsExecuted
		q.IsRolledBack = res.IsRolledBack
		q.ExecutionResult = res.Result()
		if res.ExecutionTime != nil {
			q.ExecutionTime = *res.ExecutionTime
		}
		q.Error = res.Error
		if res.Error != nil {
			q.ExecutionResult = nil
		}
		if res.TotalRecordsCount != nil {
			q.Pagination = &models.Pagination{TotalRecordsCount: *res.TotalRecordsCount}
		}
	})
	s.store.UpdateMessage(messageID, func(m *models.Message) { m.ActionButtons = res.ActionButtons })

	if res.Error == nil {
		total := 0
		if res.TotalRecordsCount != nil {
			total = *res.TotalRecordsCount
		}
		s.seedResults(queryID, res.Result(), total)
	} else {
		s.forgetResults(queryID)
	}

	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	if res.Error == nil {
		s.notice(NoticeSuccess, "Query executed!")
	}
	return nil
}

// Rollback reverts an executed query. It is refused unless the query can be rolled back, was executed, was
// not rolled back yet and carries no error.
func (s *Session) Rollback(ctx context.Context, messageID, queryID string) error {
	chatID, gen, err := s.activeChat()
	if err != nil {
		return err
	}
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return ErrQueryNotFound
	}
	if !q.Rollbackable() {
		return ErrRollbackNotAllowed
	}

	runCtx, token, err := s.acquireSlot(ctx, messageID, queryID, QueryState{IsExecuting: true, IsExample: true})
	if err != nil {
		return err
	}

	res, err := s.runQuery(runCtx, chatID, messageID, queryID, s.api.RollbackQuery)
	if !s.releaseSlot(gen, queryID, token, QueryState{IsExample: true}) {
		return ErrAborted
	}
	if err != nil {
		return s.queryFailed(runCtx, messageID, "Rollback failed", err)
	}

	s.store.UpdateQuery(messageID, queryID, func(q *models.Query) {
		q.IsExecuted = true
		q.IsRolledBack = res.IsRolledBack
		q.ExecutionResult = res.Result()
		if res.ExecutionTime != nil {
			q.ExecutionTime = *res.ExecutionTime
		}
		q.Error = res.Error
		if res.Error != nil {
			q.ExecutionResult = nil
		}
	})
	s.store.UpdateMessage(messageID, func(m *models.Message) { m.ActionButtons = res.ActionButtons })

	if res.Error == nil && res.Result() != nil {
		total := 0
		if res.TotalRecordsCount != nil {
			total = *res.TotalRecordsCount
		}
		s.seedResults(queryID, res.Result(), total)
	} else {
		s.forgetResults(queryID)
	}

	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	if res.Error != nil {
		s.notice(NoticeError, "Rollback failed: "+res.Error.Message)
	} else {
		s.notice(NoticeSuccess, "Changes reverted")
	}
	return nil
}

// AbortQuery cancels the in-flight execute or rollback of a query and clears its timeout. A response that
// arrives afterwards is ignored. Aborting a query that is not running does nothing.
func (s *Session) AbortQuery(ctx context.Context, messageID, queryID string) error {
	s.mu.Lock()
	slot, ok := s.slots[queryID]
	if ok {
		delete(s.slots, queryID)
		s.stopTimeoutLocked(queryID)
		delete(s.states, queryID)
	}
	chat := s.chat
	s.mu.Unlock()

	if !ok {
		return nil
	}
	slot.cancel(ErrAborted)
	s.notify(Change{Kind: ChangeMessage, MessageID: slot.messageID})

	if chat == nil {
		return nil
	}
	// The backend may already be running the query, so it is asked to stop too.
	req := models.QueryRequest{MessageID: messageID, QueryID: queryID, StreamID: s.transport.StreamID()}
	if err := s.api.CancelQuery(ctx, chat.ID, req); err != nil {
		s.logger.Warn("Failed to cancel query on backend",
			slog.String("queryID", queryID),
			slog.String(errLoggerKey, err.Error()))
	}
	return nil
}

// EditQuery replaces the text of a query that was not executed yet. The new text is shown right away and
// restored if the backend refuses it.
func (s *Session) EditQuery(ctx context.Context, messageID, queryID, text string) error {
	chatID, _, err := s.activeChat()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return ErrQueryNotFound
	}
	if q.IsExecuted {
		return ErrQueryExecuted
	}

	s.store.UpdateQuery(messageID, queryID, func(q *models.Query) {
		q.Query = text
		q.IsEdited = true
	})
	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})

	err = s.api.EditQuery(ctx, chatID, models.EditQueryRequest{MessageID: messageID, QueryID: queryID, Query: text})
	if err != nil {
		s.store.UpdateQuery(messageID, queryID, func(cur *models.Query) {
			cur.Query = q.Query
			cur.IsEdited = q.IsEdited
		})
		s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
		s.notice(NoticeError, "Failed to edit query: "+err.Error())
		return err
	}
	return nil
}

type queryCall func(ctx context.Context, chatID string, req models.QueryRequest) (models.QueryOutcome, error)

func (s *Session) runQuery(ctx context.Context, chatID, messageID, queryID string, call queryCall) (models.QueryOutcome, error) {
	streamID, err := s.ensureStream(ctx)
	if err != nil {
		return models.QueryOutcome{}, err
	}
	return call(ctx, chatID, models.QueryRequest{MessageID: messageID, QueryID: queryID, StreamID: streamID})
}

// acquireSlot claims the in-flight slot of a query, replaces any pending timeout with a new one and records
// the running state.
func (s *Session) acquireSlot(ctx context.Context, messageID, queryID string, state QueryState) (context.Context, uint64, error) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if _, busy := s.slots[queryID]; busy {
		s.mu.Unlock()
		cancel(nil)
		return nil, 0, ErrQueryInFlight
	}
	s.slotSeq++
	token := s.slotSeq
	s.slots[queryID] = &querySlot{token: token, messageID: messageID, cancel: cancel}
	s.stopTimeoutLocked(queryID)
	if s.cfg.QueryTimeout > 0 {
		s.timeouts[queryID] = time.AfterFunc(s.cfg.QueryTimeout, func() { cancel(ErrQueryTimeout) })
	}
	s.states[queryID] = state
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	return runCtx, token, nil
}

// releaseSlot frees the slot of a query and reports whether the caller still owned it, that is, the query
// was not aborted and the chat did not change.
func (s *Session) releaseSlot(gen uint64, queryID string, token uint64, state QueryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[queryID]
	if !ok || slot.token != token || s.gen != gen {
		return false
	}
	delete(s.slots, queryID)
	s.stopTimeoutLocked(queryID)
	slot.cancel(nil)
	s.states[queryID] = state
	return true
}

func (s *Session) stopTimeoutLocked(queryID string) {
	if t, ok := s.timeouts[queryID]; ok {
		t.Stop()
		delete(s.timeouts, queryID)
	}
}

func (s *Session) queryFailed(ctx context.Context, messageID, action string, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrQueryTimeout) {
		err = ErrQueryTimeout
	}
	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	s.notice(NoticeError, fmt.Sprintf("%s: %v", action, err))
	return err
}
