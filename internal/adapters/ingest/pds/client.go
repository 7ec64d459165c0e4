// Package pds implements the HTTP client the remote record fetcher (C2) uses
// to fetch an individual record from its origin personal data server
// (spec.md §4.2 step 3, §6)
package pds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	perr "atrelay/internal/platform/errors"
)

const defaultTimeout = 10 * time.Second

// Options configures the Client
type Options struct {
	Timeout   time.Duration
	UserAgent string
}

// Client fetches records via com.atproto.repo.getRecord against a caller
// supplied endpoint (resolved upstream by the identity service, C1)
type Client struct {
	http *http.Client
	ua   string
}

// NewClient constructs a Client with sane defaults
func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = "atrelay-fetcher/1"
	}
	return &Client{http: &http.Client{Timeout: o.Timeout}, ua: o.UserAgent}
}

// Record is the decoded getRecord response (§6: {uri, cid, value})
type Record struct {
	URI   string
	CID   string
	Value json.RawMessage
}

// recordWire is the wire shape of the getRecord response
type recordWire struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// errNotFoundMarker matches the substring the PDS uses for a permanent miss
const errNotFoundMarker = "RecordNotFound"

// GetRecord calls com.atproto.repo.getRecord. A 400/404 response whose body
// contains "RecordNotFound" is reported via ErrRecordNotFound so the fetcher
// can treat it as a permanent miss rather than retrying (§4.2 step 5, §7)
func (c *Client) GetRecord(ctx context.Context, endpoint, repo, collection, rkey string) (Record, error) {
	u := strings.TrimRight(endpoint, "/") + "/xrpc/com.atproto.repo.getRecord?" + url.Values{
		"repo":       {repo},
		"collection": {collection},
		"rkey":       {rkey},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Record{}, perr.Wrap(err, perr.ErrorCodeUnknown, "pds: build request")
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Record{}, perr.Wrap(err, perr.ErrorCodeUnavailable, "pds: getRecord request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Record{}, perr.Wrap(err, perr.ErrorCodeUnavailable, "pds: read response body")
	}

	if resp.StatusCode == http.StatusOK {
		var wire recordWire
		if err := json.Unmarshal(body, &wire); err != nil {
			return Record{}, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "pds: malformed getRecord response")
		}
		return Record{URI: wire.URI, CID: wire.CID, Value: wire.Value}, nil
	}

	if (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound) &&
		strings.Contains(string(body), errNotFoundMarker) {
		return Record{}, ErrRecordNotFound
	}

	if resp.StatusCode >= 500 {
		return Record{}, perr.Newf(perr.ErrorCodeUnavailable, "pds: getRecord returned %d", resp.StatusCode)
	}
	return Record{}, perr.Newf(perr.ErrorCodeInvalidArgument, "pds: getRecord returned %d", resp.StatusCode)
}

// ErrRecordNotFound is the permanent-miss sentinel (§4.2 step 5, §7)
var ErrRecordNotFound = perr.New(perr.ErrorCodeNotFound, "pds: record not found")
