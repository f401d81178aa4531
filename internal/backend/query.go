package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// restPrefix is the REST API mount point on the project URL.
const restPrefix = "/rest/v1/"

// SelectQuery is a fluent builder for row-range queries. Filters use
// the backend's column=op.value encoding.
type SelectQuery struct {
	client  *Client
	table   string
	columns string
	filters []filterClause
	order   string
	limit   int
	offset  int
}

type filterClause struct {
	column string
	op     string
	value  string
}

// From starts a query against the given table.
func (c *Client) From(table string) *SelectQuery {
	return &SelectQuery{
		client:  c,
		table:   table,
		columns: "*",
		limit:   -1,
		offset:  -1,
	}
}

// Select restricts the returned columns (default "*").
func (q *SelectQuery) Select(columns string) *SelectQuery {
	q.columns = columns
	return q
}

// Eq adds an equality filter.
func (q *SelectQuery) Eq(column, value string) *SelectQuery {
	q.filters = append(q.filters, filterClause{column, "eq", value})
	return q
}

// Gte adds a >= filter on an integer column.
func (q *SelectQuery) Gte(column string, value int64) *SelectQuery {
	q.filters = append(q.filters, filterClause{column, "gte", strconv.FormatInt(value, 10)})
	return q
}

// Order sorts the result by a column, ascending or descending.
func (q *SelectQuery) Order(column string, ascending bool) *SelectQuery {
	dir := "desc"
	if ascending {
		dir = "asc"
	}

	q.order = column + "." + dir

	return q
}

// Range bounds the result to rows [from, to] inclusive, mirroring the
// hosted client's range paging.
func (q *SelectQuery) Range(from, to int) *SelectQuery {
	q.offset = from
	q.limit = to - from + 1

	return q
}

// Rows executes the query and returns the raw result rows.
func (q *SelectQuery) Rows(ctx context.Context) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("select", q.columns)

	for _, f := range q.filters {
		params.Set(f.column, f.op+"."+f.value)
	}

	if q.order != "" {
		params.Set("order", q.order)
	}

	if q.limit >= 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	if q.offset >= 0 {
		params.Set("offset", strconv.Itoa(q.offset))
	}

	resp, err := q.client.do(ctx, http.MethodGet, restPrefix+q.table, params, "", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: query %s: %w", q.table, err)
	}

	return decodeRows(resp.Body)
}

// Upsert writes rows keyed by id, merging duplicates. Used by push:
// the local record is written as-is, making local edits authoritative.
func (c *Client) Upsert(ctx context.Context, table string, rows []json.RawMessage) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("backend: encode upsert %s: %w", table, err)
	}

	resp, err := c.do(ctx, http.MethodPost, restPrefix+table, nil,
		"resolution=merge-duplicates,return=minimal", body)
	if err != nil {
		return fmt.Errorf("backend: upsert %s: %w", table, err)
	}

	resp.Body.Close()

	return nil
}

// DeleteByID removes a single row by primary key. Deleting an already
// absent row is not an error: the backend returns 2xx with no rows,
// which is exactly the state push wants to confirm.
func (c *Client) DeleteByID(ctx context.Context, table, id string) error {
	params := url.Values{}
	params.Set("id", "eq."+id)

	resp, err := c.do(ctx, http.MethodDelete, restPrefix+table, params, "return=minimal", nil)
	if err != nil {
		return fmt.Errorf("backend: delete %s/%s: %w", table, id, err)
	}

	resp.Body.Close()

	return nil
}

// FetchSince returns one page of rows with updated_at >= since for the
// owning user, ordered ascending by updated_at. ownerID filtering is
// skipped when empty (single-tenant tables).
func (c *Client) FetchSince(ctx context.Context, table string, since int64, offset, limit int, ownerID string) ([]json.RawMessage, error) {
	q := c.From(table).
		Gte("updated_at", since).
		Order("updated_at", true).
		Range(offset, offset+limit-1)

	if ownerID != "" {
		q = q.Eq("owner_id", ownerID)
	}

	return q.Rows(ctx)
}
