package models

import (
	"encoding/json"
	"time"
)

// Message represents an individual entry of a chat transcript. Assistant messages may carry queries that
// the user can execute, roll back and page through.
type Message struct {
	ID            string         `json:"id"`
	Type          Role           `json:"type"`
	Content       string         `json:"content"`
	Queries       []Query        `json:"queries,omitempty"`
	IsLoading     bool           `json:"is_loading"`
	IsStreaming   bool           `json:"is_streaming"`
	LoadingSteps  []LoadingStep  `json:"loading_steps,omitempty"`
	ActionButtons []ActionButton `json:"action_buttons,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	IsEdited      bool           `json:"is_edited"`
}

// Role represents the author of a message.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by NeoBase.
	RoleAssistant Role = "assistant"
)

// PlaceholderID is the id of the assistant message shown while a turn is being processed. It is replaced
// as soon as the backend delivers the real message.
const PlaceholderID = "temp"

// LoadingStep is one line of the progress list shown inside the placeholder message.
type LoadingStep struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// ActionButton is a follow-up action suggested by the backend below a message.
type ActionButton struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Action    string `json:"action"`
	IsPrimary bool   `json:"is_primary"`
}

// Query is an executable query proposed inside an assistant message.
//
// ExecutionResult and ExampleResult are kept as raw JSON: the backend returns arrays of rows, objects with a
// "results" array, DML summaries or JSON-encoded strings, and ParseResults turns any of them into rows.
type Query struct {
	ID                     string          `json:"id"`
	Description            string          `json:"description"`
	Query                  string          `json:"query"`
	QueryType              string          `json:"query_type,omitempty"`
	Tables                 string          `json:"tables,omitempty"`
	IsExecuted             bool            `json:"is_executed"`
	IsRolledBack           bool            `json:"is_rolled_back"`
	IsCritical             bool            `json:"is_critical"`
	CanRollback            bool            `json:"can_rollback"`
	IsEdited               bool            `json:"is_edited"`
	RollbackQuery          string          `json:"rollback_query,omitempty"`
	RollbackDependentQuery string          `json:"rollback_dependent_query,omitempty"`
	ExecutionResult        json.RawMessage `json:"execution_result,omitempty"`
	ExampleResult          json.RawMessage `json:"example_result,omitempty"`
	ExecutionTime          int             `json:"execution_time,omitempty"`
	ExampleExecutionTime   int             `json:"example_execution_time,omitempty"`
	Error                  *QueryError     `json:"error,omitempty"`
	Pagination             *Pagination     `json:"pagination,omitempty"`
}

// QueryError is the error the database returned for a query. It is rendered inline on the query.
type QueryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Pagination carries the total number of records a query produces, which may exceed what was fetched.
type Pagination struct {
	TotalRecordsCount int `json:"total_records_count"`
}

// HasResult reports whether the query carries a non-empty execution result.
func (q Query) HasResult() bool {
	return !isEmptyJSON(q.ExecutionResult)
}

// Rollbackable reports whether a rollback may be requested for the query.
func (q Query) Rollbackable() bool {
	return q.CanRollback && q.IsExecuted && !q.IsRolledBack && q.Error == nil
}

// TotalRecords returns the backend's total record count when known, otherwise the given fallback.
func (q Query) TotalRecords(fallback int) int {
	if q.Pagination != nil && q.Pagination.TotalRecordsCount > 0 {
		return q.Pagination.TotalRecordsCount
	}
	return fallback
}

// ShowsExample reports whether the example result should be displayed instead of a real one.
func (q Query) ShowsExample() bool {
	return !q.IsExecuted && !q.IsRolledBack
}

// FindQuery returns the index of the query with the given id, or -1.
func (m Message) FindQuery(queryID string) int {
	for i := range m.Queries {
		if m.Queries[i].ID == queryID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the message so callers can hand it out without sharing slices.
func (m Message) Clone() Message {
	c := m
	if m.Queries != nil {
		c.Queries = make([]Query, len(m.Queries))
		for i, q := range m.Queries {
			c.Queries[i] = q.Clone()
		}
	}
	if m.LoadingSteps != nil {
		c.LoadingSteps = append([]LoadingStep(nil), m.LoadingSteps...)
	}
	if m.ActionButtons != nil {
		c.ActionButtons = append([]ActionButton(nil), m.ActionButtons...)
	}
	return c
}

// Clone returns a deep copy of the query.
func (q Query) Clone() Query {
	c := q
	if q.ExecutionResult != nil {
		c.ExecutionResult = append(json.RawMessage(nil), q.ExecutionResult...)
	}
	if q.ExampleResult != nil {
		c.ExampleResult = append(json.RawMessage(nil), q.ExampleResult...)
	}
	if q.Error != nil {
		e := *q.Error
		c.Error = &e
	}
	if q.Pagination != nil {
		p := *q.Pagination
		c.Pagination = &p
	}
	return c
}

// MessagePage is one page of the chat history as returned by the backend, newest messages first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}
