package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// The backend returns results in blocks of two UI pages.
const blockPages = 2

// ResultState is the result table of a query as currently displayed.
type ResultState struct {
	Data         []json.RawMessage
	Loading      bool
	Error        string
	CurrentPage  int
	PageSize     int
	TotalRecords int
}

// PageCount returns the number of pages needed to show total records.
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// PageCount returns the number of pages of the result.
func (r ResultState) PageCount() int {
	return PageCount(r.TotalRecords, r.PageSize)
}

// HasPrev reports whether a previous page exists.
func (r ResultState) HasPrev() bool {
	return r.CurrentPage > 1
}

// HasNext reports whether a next page exists.
func (r ResultState) HasNext() bool {
	return r.CurrentPage < r.PageCount()
}

// Page shows page n of a query's results. Pages of the first block are sliced from the result the query
// already carries; other pages come from the cache or, failing that, from the backend, which returns a block
// of two pages that are both cached.
func (s *Session) Page(ctx context.Context, messageID, queryID string, n int) (ResultState, error) {
	chatID, gen, err := s.activeChat()
	if err != nil {
		return ResultState{}, err
	}
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return ResultState{}, ErrQueryNotFound
	}

	s.mu.Lock()
	rs := s.resultStateLocked(q)
	cache := s.cache
	s.mu.Unlock()

	if pages := max(rs.PageCount(), 1); n < 1 || n > pages {
		return rs, fmt.Errorf("page %d of %d: %w", n, pages, ErrPageOutOfRange)
	}

	// Example results are never fetched, they only exist on the query.
	if q.ShowsExample() && !q.HasResult() {
		page := Page{Rows: sliceRows(models.ParseResults(q.ExampleResult), s.cfg.PageSize, n), TotalRecords: rs.TotalRecords}
		return s.showPage(gen, messageID, queryID, n, page), nil
	}

	if n <= blockPages && q.HasResult() {
		rows := models.ParseResults(q.ExecutionResult)
		if (n-1)*s.cfg.PageSize < len(rows) {
			page := Page{Rows: sliceRows(rows, s.cfg.PageSize, n), TotalRecords: rs.TotalRecords}
			cache.Set(queryID, n, page)
			return s.showPage(gen, messageID, queryID, n, page), nil
		}
	}

	if page, ok := cache.Get(queryID, n); ok {
		return s.showPage(gen, messageID, queryID, n, page), nil
	}

	s.updateResult(gen, messageID, queryID, func(rs *ResultState) {
		rs.Loading = true
		rs.Error = ""
	})

	streamID, err := s.ensureStream(ctx)
	if err != nil {
		return s.failPage(gen, messageID, queryID, err)
	}

	block := (n - 1) / blockPages
	res, err := s.api.QueryResults(ctx, chatID, models.QueryResultsRequest{
		MessageID: messageID,
		QueryID:   queryID,
		StreamID:  streamID,
		Offset:    block * blockPages * s.cfg.PageSize,
	})
	if !s.isCurrent(gen) {
		return ResultState{}, ErrAborted
	}
	if err != nil {
		return s.failPage(gen, messageID, queryID, err)
	}

	total := rs.TotalRecords
	if res.TotalRecordsCount != nil {
		total = *res.TotalRecordsCount
	}
	cache.SeedBlock(queryID, block*blockPages+1, models.ParseResults(res.Result()), total)
	page, _ := cache.Get(queryID, n)
	return s.showPage(gen, messageID, queryID, n, page), nil
}

func (s *Session) showPage(gen uint64, messageID, queryID string, n int, page Page) ResultState {
	return s.updateResult(gen, messageID, queryID, func(rs *ResultState) {
		rs.Data = page.Rows
		rs.Loading = false
		rs.Error = ""
		rs.CurrentPage = n
		if page.TotalRecords > 0 {
			rs.TotalRecords = page.TotalRecords
		}
	})
}

func (s *Session) failPage(gen uint64, messageID, queryID string, err error) (ResultState, error) {
	text := "Failed to fetch results"
	if !errors.Is(err, context.Canceled) {
		text = err.Error()
	}
	rs := s.updateResult(gen, messageID, queryID, func(rs *ResultState) {
		rs.Loading = false
		rs.Error = text
	})
	return rs, err
}

// updateResult applies fn to the result state of a query and notifies observers, unless the chat changed
// since gen.
func (s *Session) updateResult(gen uint64, messageID, queryID string, fn func(*ResultState)) ResultState {
	q, ok := s.store.Query(messageID, queryID)

	s.mu.Lock()
	if s.gen != gen || !ok {
		s.mu.Unlock()
		return ResultState{}
	}
	rs := s.resultStateLocked(q)
	fn(&rs)
	s.results[queryID] = rs
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, MessageID: messageID})
	return rs
}

// seedResults replaces the cached pages of a query with a fresh result and shows its first page.
func (s *Session) seedResults(queryID string, result json.RawMessage, total int) {
	rows := models.ParseResults(result)
	if total <= 0 {
		total = len(rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Forget(queryID)
	s.cache.SeedBlock(queryID, 1, rows, total)
	first, _ := s.cache.Get(queryID, 1)
	s.results[queryID] = ResultState{
		Data:         first.Rows,
		CurrentPage:  1,
		PageSize:     s.cfg.PageSize,
		TotalRecords: total,
	}
}

// forgetResults drops the cached pages and result state of a query.
func (s *Session) forgetResults(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Forget(queryID)
	delete(s.results, queryID)
}

// resultStateLocked returns the stored result state of q, or the one derived from the result it carries.
func (s *Session) resultStateLocked(q models.Query) ResultState {
	if rs, ok := s.results[q.ID]; ok {
		return rs
	}

	raw := q.ExecutionResult
	if q.ShowsExample() && !q.HasResult() {
		raw = q.ExampleResult
	}
	rows := models.ParseResults(raw)
	return ResultState{
		Data:         sliceRows(rows, s.cfg.PageSize, 1),
		CurrentPage:  1,
		PageSize:     s.cfg.PageSize,
		TotalRecords: q.TotalRecords(len(rows)),
	}
}

func (s *Session) queryStateLocked(q models.Query) QueryState {
	if st, ok := s.states[q.ID]; ok {
		return st
	}
	return QueryState{IsExample: !q.IsExecuted}
}
