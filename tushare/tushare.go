// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tushare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://api.tushare.pro"

// MaxLimit is the largest page size the provider accepts.
const MaxLimit = 10000

// Client for querying provider APIs.
type Client struct {
	baseURL string // the base URL of the server
	token   string // your very own secret token
}

// newClient creates a new client.
func newClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient creates a new client based on the token and injects it into the
// context.
func UseClient(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, clientContextKey, newClient(URL, token))
}

// Query is a builder for a single provider API call. All the builder methods
// create a copy, leaving the original intact.
type Query struct {
	api    string
	params map[string]string
	fields []string
	offset int
	limit  int
}

// NewQuery creates a new query for the named API, e.g. "dividend".
func NewQuery(api string) *Query {
	return &Query{api: api, params: make(map[string]string)}
}

// Copy creates a deep copy of the query.
func (q *Query) Copy() *Query {
	q2 := Query{api: q.api, offset: q.offset, limit: q.limit}
	q2.params = make(map[string]string, len(q.params))
	for k, v := range q.params {
		q2.params[k] = v
	}
	if q.fields != nil {
		q2.fields = append([]string{}, q.fields...)
	}
	return &q2
}

// API name of the query.
func (q *Query) API() string { return q.api }

// Param returns the value of the query parameter, or "".
func (q *Query) Param(name string) string { return q.params[name] }

// Equal adds an equality parameter, e.g. Equal("ts_code", "600000.SH").
func (q *Query) Equal(param, value string) *Query {
	q2 := q.Copy()
	q2.params[param] = value
	return q2
}

// Fields constrains the result to only these columns.
func (q *Query) Fields(fields ...string) *Query {
	q2 := q.Copy()
	q2.fields = fields
	return q2
}

// Offset sets the number of rows to skip.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		n = 0
	}
	q2 := q.Copy()
	q2.offset = n
	return q2
}

// Limit sets the maximum number of rows in a single response, [0..MaxLimit].
// Zero means the provider's default.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		n = 0
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	q2 := q.Copy()
	q2.limit = n
	return q2
}

// String is a compact human-readable form of the query, for logging.
func (q *Query) String() string {
	keys := make([]string, 0, len(q.params))
	for k := range q.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + q.params[k]
	}
	return fmt.Sprintf("%s(%s)", q.api, strings.Join(parts, ", "))
}

// Values returns the query values for the query, without the token. Each call
// creates a new object, so the caller is free to modify it.
func (q *Query) Values() url.Values {
	v := make(url.Values)
	for k, p := range q.params {
		v[k] = []string{p}
	}
	if q.fields != nil {
		v["fields"] = []string{strings.Join(q.fields, ",")}
	}
	if q.offset != 0 {
		v["offset"] = []string{fmt.Sprintf("%d", q.offset)}
	}
	if q.limit != 0 {
		v["limit"] = []string{fmt.Sprintf("%d", q.limit)}
	}
	return v
}

// pageData holds the rows and their column names.
type pageData struct {
	Fields  []string        `json:"fields"`
	Items   [][]interface{} `json:"items"`
	HasMore bool            `json:"has_more"`
}

// page is the format of a single API response.
type page struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data pageData `json:"data"`
}

// TestPage generates the JSON string in a format as returned by the provider.
// For use in tests.
func TestPage(fields []string, items [][]interface{}) (string, error) {
	bytes, err := json.Marshal(&page{Data: pageData{Fields: fields, Items: items}})
	return string(bytes), err
}

// TestErrorPage generates the JSON of a provider error response.
func TestErrorPage(code int, msg string) string {
	bytes, _ := json.Marshal(&page{Code: code, Msg: msg})
	return string(bytes)
}

// records zips each item with the field names.
func (p *page) records() ([]db.Record, error) {
	res := make([]db.Record, 0, len(p.Data.Items))
	for i, item := range p.Data.Items {
		if len(item) != len(p.Data.Fields) {
			return nil, errors.Reason("row %d has %d values, expected %d",
				i, len(item), len(p.Data.Fields))
		}
		r := make(db.Record, len(item))
		for j, f := range p.Data.Fields {
			r[f] = item[j]
		}
		res = append(res, r)
	}
	return res, nil
}

// Read executes the query using the Client from the context and returns one
// page of rows.
func (q *Query) Read(ctx context.Context) ([]db.Record, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("Query.Read: no client in context")
	}
	uri := client.baseURL + "/" + q.api
	query := q.Values()
	query["token"] = []string{client.token}

	var p page
	if err := fetch.FetchJSON(ctx, uri, &p, query, nil); err != nil {
		return nil, errors.Annotate(err, "Query.Read: failed to fetch %s", q.api)
	}
	if p.Code != 0 {
		return nil, errors.Reason("Query.Read: %s returned error %d: %s",
			q.api, p.Code, p.Msg)
	}
	rows, err := p.records()
	if err != nil {
		return nil, errors.Annotate(err, "Query.Read: malformed %s response", q.api)
	}
	logging.Debugf(ctx, "tushare: %s returned %d rows", q, len(rows))
	return rows, nil
}

// Source implements a provider source over the context-injected Client. It is
// the default network backend of the gateway.
type Source struct{}

// Query fetches one page for q.
func (Source) Query(ctx context.Context, q *Query) ([]db.Record, error) {
	return q.Read(ctx)
}
