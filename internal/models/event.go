package models

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventKind is the tag of a stream event sent by the backend.
type EventKind string

const (
	// EventDBConnected reports that the backend holds a live connection to the chat's database.
	EventDBConnected EventKind = "db-connected"
	// EventDBDisconnected reports that the database connection was lost or closed.
	EventDBDisconnected EventKind = "db-disconnected"
	// EventAIResponseStep carries a progress line for the turn being processed.
	EventAIResponseStep EventKind = "ai-response-step"
	// EventAIResponse carries the final assistant message of a turn.
	EventAIResponse EventKind = "ai-response"
	// EventAIResponseError reports that the turn failed.
	EventAIResponseError EventKind = "ai-response-error"
	// EventResponseCancelled reports that the turn was cancelled and carries the text to show.
	EventResponseCancelled EventKind = "response-cancelled"
	// EventQueryResults carries the outcome of a successful query execution.
	EventQueryResults EventKind = "query-results"
	// EventQueryExecutionFailed carries the error of a failed query execution.
	EventQueryExecutionFailed EventKind = "query-execution-failed"
	// EventRollbackExecuted carries the outcome of a successful rollback.
	EventRollbackExecuted EventKind = "rollback-executed"
	// EventRollbackQueryFailed carries the error of a failed rollback.
	EventRollbackQueryFailed EventKind = "rollback-query-failed"
	// EventError is a generic backend failure while processing a turn.
	EventError EventKind = "error"
	// EventKeepalive is sent periodically on idle streams.
	EventKeepalive EventKind = "keepalive"
	// EventComplete is sent when the backend closes the stream.
	EventComplete EventKind = "complete"
)

// StreamEvent is one payload of the chat stream. Data is decoded lazily according to Event.
type StreamEvent struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StreamHandler receives the lifecycle callbacks and the events of a chat stream. HandleEvent is invoked
// for one event at a time, in arrival order; the next event is not delivered until it returns.
type StreamHandler interface {
	StreamOpened(chatID string)
	StreamFailed(chatID string, err error)
	HandleEvent(ctx context.Context, chatID string, ev StreamEvent)
}

// AIResponse is the payload of an ai-response event.
type AIResponse struct {
	ID            string         `json:"id"`
	ChatID        string         `json:"chat_id"`
	Type          Role           `json:"type"`
	Content       string         `json:"content"`
	Queries       []Query        `json:"queries"`
	ActionButtons []ActionButton `json:"action_buttons"`
}

// QueryRequest identifies a query in execute, rollback and cancel calls.
type QueryRequest struct {
	MessageID string `json:"message_id"`
	QueryID   string `json:"query_id"`
	StreamID  string `json:"stream_id"`
}

// QueryResultsRequest asks for one 50-record block of a query's results.
type QueryResultsRequest struct {
	MessageID string `json:"message_id"`
	QueryID   string `json:"query_id"`
	StreamID  string `json:"stream_id"`
	Offset    int    `json:"offset"`
}

// QueryOutcome is the result of an execute, rollback or results call, and the payload of the query and
// rollback stream events.
type QueryOutcome struct {
	ChatID            string          `json:"chat_id"`
	MessageID         string          `json:"message_id"`
	QueryID           string          `json:"query_id"`
	IsExecuted        bool            `json:"is_executed"`
	IsRolledBack      bool            `json:"is_rolled_back"`
	ExecutionTime     *int            `json:"execution_time"`
	ExecutionResult   json.RawMessage `json:"execution_result"`
	Error             *QueryError     `json:"error,omitempty"`
	TotalRecordsCount *int            `json:"total_records_count"`
	ActionButtons     []ActionButton  `json:"action_buttons,omitempty"`
}

// Result returns the execution result, or nil when the backend sent null, an empty object or nothing.
func (o QueryOutcome) Result() json.RawMessage {
	if isEmptyJSON(o.ExecutionResult) {
		return nil
	}
	return o.ExecutionResult
}

// EditQueryRequest replaces the text of a query before it is executed.
type EditQueryRequest struct {
	MessageID string `json:"message_id"`
	QueryID   string `json:"query_id"`
	Query     string `json:"query"`
}

// Text decodes a payload that is either a JSON string or an object with an "error" or "message" field. The
// backend uses both shapes for error and cancellation events.
func (e StreamEvent) Text() (string, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s, nil
	}

	var obj struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &obj); err != nil {
		return "", fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	if len(obj.Error) > 0 {
		if err := json.Unmarshal(obj.Error, &s); err == nil {
			return s, nil
		}
		var qe QueryError
		if err := json.Unmarshal(obj.Error, &qe); err == nil && qe.Message != "" {
			return qe.Message, nil
		}
	}
	return obj.Message, nil
}

// Decode unmarshals the event payload into v.
func (e StreamEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}
