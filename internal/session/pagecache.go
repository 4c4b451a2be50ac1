package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
)

// Page is one UI page of a query's results.
type Page struct {
	Rows         []json.RawMessage
	TotalRecords int
}

// PageCache keeps the result pages fetched for the queries of one chat. Entries never expire: the whole
// cache is dropped when the chat changes.
type PageCache struct {
	cache    *cache.Cache
	pageSize int
}

// NewPageCache creates a cache for pages of pageSize rows.
func NewPageCache(pageSize int) *PageCache {
	return &PageCache{
		cache:    cache.New(cache.NoExpiration, 0),
		pageSize: pageSize,
	}
}

func pageKey(queryID string, page int) string {
	return fmt.Sprintf("%s#%d", queryID, page)
}

// Get returns a cached page.
func (p *PageCache) Get(queryID string, page int) (Page, bool) {
	v, ok := p.cache.Get(pageKey(queryID, page))
	if !ok {
		return Page{}, false
	}
	return v.(Page), true
}

// Set caches a page.
func (p *PageCache) Set(queryID string, page int, data Page) {
	p.cache.Set(pageKey(queryID, page), data, cache.NoExpiration)
}

// SeedBlock caches the rows of one backend block as the two UI pages starting at basePage. The second page
// is cached even when empty so that it is never fetched again.
func (p *PageCache) SeedBlock(queryID string, basePage int, rows []json.RawMessage, totalRecords int) {
	for i := 0; i < blockPages; i++ {
		p.Set(queryID, basePage+i, Page{
			Rows:         sliceRows(rows, p.pageSize, i+1),
			TotalRecords: totalRecords,
		})
	}
}

// Pages returns the cached page numbers of a query in ascending order.
func (p *PageCache) Pages(queryID string) []int {
	prefix := queryID + "#"

	var pages []int
	for key := range p.cache.Items() {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		pages = append(pages, n)
	}
	slices.Sort(pages)
	return pages
}

// Forget drops every cached page of a query.
func (p *PageCache) Forget(queryID string) {
	for _, n := range p.Pages(queryID) {
		p.cache.Delete(pageKey(queryID, n))
	}
}

// Flush drops every cached page.
func (p *PageCache) Flush() {
	p.cache.Flush()
}

// sliceRows returns the rows of the 1-based page n.
func sliceRows(rows []json.RawMessage, pageSize, n int) []json.RawMessage {
	start := (n - 1) * pageSize
	if start >= len(rows) || start < 0 {
		return []json.RawMessage{}
	}
	end := min(start+pageSize, len(rows))
	return rows[start:end]
}
