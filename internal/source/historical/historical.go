// Package historical implements the batch replay source: a paginated HTTP
// POST client against a time-series query API, turning each page's series
// response into triples.
package historical

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// Options configures a Reader. Query carries the base request body (the
// "expression" glob and any backend-specific queryparams); From and Until
// bound the replay window. BatchDuration caps how much time range one
// request covers, so a long replay is split into several requests instead
// of one. IgnoreNull, when set, drops null-valued points from the response
// instead of passing them downstream.
type Options struct {
	URL           string
	Query         map[string]any
	From          int64
	Until         int64
	BatchDuration int64
	IgnoreNull    bool
	Timeout       time.Duration
}

const defaultBatchDuration = 3600

// Schema is the JSON Schema for this module's option block, the Go
// rendition of Historical.py's own `schema` class attribute: every
// recognized key plus its type, and the set this module cannot run
// without.
const Schema = `{
	"type": "object",
	"properties": {
		"expression":    {"type": "string"},
		"starttime":     {"type": "string"},
		"endtime":       {"type": "string"},
		"url":           {"type": "string"},
		"batchduration": {"type": "number"},
		"ignorenull":    {"type": "boolean"},
		"queryparams":   {"type": "object"}
	},
	"additionalProperties": false,
	"required": ["expression", "starttime", "url"]
}`

// queryRequest is the request body posted to URL, form-encoded the same
// way the original's `requests.post(url, data=post_data)` call sends it.
// Fixed fields (from, until) always win over anything the same-named key
// carries in Extra (which already holds "expression" and any
// backend-specific queryparams) — collisions are resolved in favor of the
// pagination state, per the "queryparams collision" rule.
type queryRequest struct {
	From  int64
	Until int64
	Extra map[string]any
}

// encode renders q as an application/x-www-form-urlencoded body, the way
// the original's `requests.post` call serializes its post_data dict.
func (q queryRequest) encode() string {
	form := url.Values{}
	for k, v := range q.Extra {
		form.Set(k, fmt.Sprint(v))
	}
	form.Set("from", strconv.FormatInt(q.From, 10))
	form.Set("until", strconv.FormatInt(q.Until, 10))
	return form.Encode()
}

type seriesPoint struct {
	From   int64      `json:"from"`
	Step   int64      `json:"step"`
	Values []*float64 `json:"values"`
}

type queryResponse struct {
	Data struct {
		Series map[string]seriesPoint `json:"series"`
	} `json:"data"`
}

// Reader is a pipeline/datasource.Reader that replays a bounded historical
// window, one HTTP page at a time.
type Reader struct {
	url           string
	query         map[string]any
	until         int64
	batchDuration int64
	ignoreNull    bool
	client        *http.Client

	cursor  int64
	pending []pipeline.Triple
	pos     int
	done    bool
}

// New validates opts and returns a Reader positioned at opts.From.
func New(opts Options) (*Reader, error) {
	if opts.URL == "" {
		return nil, pipeline.NewUserError("historical: url is required")
	}
	if opts.Until != 0 && opts.Until <= opts.From {
		return nil, pipeline.NewUserError("historical: until must be after from")
	}
	batchDuration := opts.BatchDuration
	if batchDuration <= 0 {
		batchDuration = defaultBatchDuration
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Reader{
		url:           opts.URL,
		query:         opts.Query,
		until:         opts.Until,
		batchDuration: batchDuration,
		ignoreNull:    opts.IgnoreNull,
		client:        &http.Client{Timeout: timeout},
		cursor:        opts.From,
	}, nil
}

// Read implements datasource.Reader.
func (r *Reader) Read(ctx context.Context) (pipeline.Triple, bool, error) {
	for {
		if r.pos < len(r.pending) {
			t := r.pending[r.pos]
			r.pos++
			return t, true, nil
		}
		if r.done {
			return pipeline.Triple{}, false, nil
		}
		if err := r.fetchPage(ctx); err != nil {
			return pipeline.Triple{}, false, err
		}
	}
}

func (r *Reader) fetchPage(ctx context.Context) error {
	pageUntil := r.cursor + r.batchDuration
	if r.until != 0 && pageUntil > r.until {
		pageUntil = r.until
	}
	if r.until != 0 && r.cursor >= r.until {
		r.done = true
		return nil
	}

	req := queryRequest{From: r.cursor, Until: pageUntil, Extra: r.query}
	resp, err := r.post(ctx, req)
	if err != nil {
		return fmt.Errorf("historical: %w", err)
	}

	r.pending = r.pending[:0]
	r.pos = 0
	advanced := false

	for key, series := range resp.Data.Series {
		if series.Step == 0 {
			continue
		}
		for i, v := range series.Values {
			if v == nil && r.ignoreNull {
				continue
			}
			r.pending = append(r.pending, pipeline.Triple{
				Key:   []byte(key),
				Value: v,
				Time:  series.From + int64(i)*series.Step,
			})
		}
		if next := series.From + int64(len(series.Values))*series.Step; next > r.cursor {
			r.cursor = next
			advanced = true
		}
	}

	if !advanced {
		// Nothing came back for this window; skip past it rather than
		// re-requesting the same range forever.
		r.cursor = pageUntil
	}
	if r.until != 0 && r.cursor >= r.until {
		r.done = len(r.pending) == 0
	}
	if r.until == 0 && len(resp.Data.Series) == 0 {
		r.done = true
	}
	return nil
}

func (r *Reader) post(ctx context.Context, body queryRequest) (*queryResponse, error) {
	form := body.encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}
