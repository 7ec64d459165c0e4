// Package identity provides the outbound HTTP/DNS clients the identity
// resolver (C1) uses to fetch identity documents and resolve handles:
// plc.directory for centrally-registered subject-ids, a domain's own
// well-known document for domain-anchored ones, and DNS TXT / HTTPS
// well-known for handle-to-subject resolution (spec.md §4.1, §6)
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	perr "atrelay/internal/platform/errors"
	"atrelay/internal/services/identity/domain"
)

const (
	defaultDirectoryBase = "https://plc.directory"
	defaultTimeout       = 15 * time.Second
	defaultUserAgent     = "atrelay-identity/1"
)

// Options configures the Client
type Options struct {
	DirectoryBaseURL string
	UserAgent        string
	Timeout          time.Duration
}

// Client implements domain.DirectoryPort and domain.HandlePort over plain
// HTTP and DNS. It performs no caching, retry, or circuit breaking of its
// own — those live in the identity service, which wraps this client
type Client struct {
	http    *http.Client
	dirBase string
	ua      string
}

// NewClient constructs a Client with sane defaults
func NewClient(o Options) *Client {
	if o.DirectoryBaseURL == "" {
		o.DirectoryBaseURL = defaultDirectoryBase
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: o.Timeout},
		dirBase: strings.TrimRight(o.DirectoryBaseURL, "/"),
		ua:      o.UserAgent,
	}
}

// plcMethod and webMethod are the two supported subject-id families (§4.1):
// a centrally-registered directory lookup and a domain-anchored well-known doc
const (
	plcMethod = "did:plc:"
	webMethod = "did:web:"
)

// docWire is the wire shape of a DID document, trimmed to the fields we use
type docWire struct {
	ID                 string         `json:"id"`
	AlsoKnownAs        []string       `json:"alsoKnownAs"`
	Service            []serviceWire  `json:"service"`
	VerificationMethod []any          `json:"verificationMethod,omitempty"`
}

type serviceWire struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint any    `json:"serviceEndpoint"`
}

// FetchDocument implements domain.DirectoryPort. It routes to plc.directory
// for did:plc: subjects and to the domain's well-known document for did:web:
// subjects; any other method is still attempted against plc.directory (the
// resolver logs a DID-method-allow-list warning and proceeds per §3 supplement)
func (c *Client) FetchDocument(ctx context.Context, subjectID string) (domain.Document, error) {
	var url string
	switch {
	case strings.HasPrefix(subjectID, webMethod):
		url = webDocURL(subjectID)
	default:
		url = c.dirBase + "/" + subjectID
	}
	return c.fetchAndDecode(ctx, url, subjectID)
}

// webDocURL derives the well-known document URL for a did:web: subject-id,
// honoring an optional URL-encoded path segment the same way did:web does
func webDocURL(subjectID string) string {
	rest := strings.TrimPrefix(subjectID, webMethod)
	parts := strings.Split(rest, ":")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "%3A", ":")
	}
	host := parts[0]
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json"
	}
	return "https://" + host + "/" + strings.Join(parts[1:], "/") + "/did.json"
}

func (c *Client) fetchAndDecode(ctx context.Context, url, wantID string) (domain.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Document{}, perr.Wrap(err, perr.ErrorCodeUnknown, "identity: build request")
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Document{}, perr.Wrap(err, perr.ErrorCodeUnavailable, "identity: directory request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Document{}, perr.Wrap(err, perr.ErrorCodeUnavailable, "identity: read body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Document{}, perr.New(perr.ErrorCodeNotFound, "identity: document not found")
	case resp.StatusCode >= 500:
		return domain.Document{}, perr.New(perr.ErrorCodeUnavailable, fmt.Sprintf("identity: directory returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return domain.Document{}, perr.New(perr.ErrorCodeInvalidArgument, fmt.Sprintf("identity: directory returned %d", resp.StatusCode))
	}

	var wire docWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return domain.Document{}, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "identity: malformed document")
	}
	// Security: reject a document whose id doesn't match the one requested (§4.1)
	if wire.ID != wantID {
		return domain.Document{}, perr.New(perr.ErrorCodeInvalidArgument, "identity: document id mismatch")
	}

	doc := domain.Document{ID: wire.ID, Handles: wire.AlsoKnownAs}
	for _, s := range wire.Service {
		url, _ := s.ServiceEndpoint.(string)
		doc.Services = append(doc.Services, domain.ServiceEntry{ID: s.ID, Type: s.Type, URL: url})
	}
	return doc, nil
}

// ResolveHandle implements domain.HandlePort: DNS TXT at _atproto.<handle>
// first, HTTPS well-known fallback second (§4.1, §6)
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if did, err := c.resolveHandleViaDNS(ctx, handle); err == nil {
		return did, nil
	}
	return c.resolveHandleViaHTTPS(ctx, handle)
}

var lookupTXT = net.DefaultResolver.LookupTXT

func (c *Client) resolveHandleViaDNS(ctx context.Context, handle string) (string, error) {
	recs, err := lookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeUnavailable, "identity: dns txt lookup failed")
	}
	for _, r := range recs {
		if did, ok := strings.CutPrefix(r, "did="); ok {
			return did, nil
		}
	}
	return "", perr.New(perr.ErrorCodeNotFound, "identity: no did= TXT record")
}

// wellKnownScheme is overridden in tests to target a plain-HTTP test server
var wellKnownScheme = "https"

func (c *Client) resolveHandleViaHTTPS(ctx context.Context, handle string) (string, error) {
	url := wellKnownScheme + "://" + handle + "/.well-known/atproto-did"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeUnknown, "identity: build request")
	}
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeUnavailable, "identity: well-known request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", perr.New(perr.ErrorCodeNotFound, "identity: well-known not found")
	}
	if resp.StatusCode != http.StatusOK {
		return "", perr.New(perr.ErrorCodeUnavailable, fmt.Sprintf("identity: well-known returned %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeUnavailable, "identity: read well-known body")
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", perr.New(perr.ErrorCodeInvalidArgument, "identity: well-known body is not a did")
	}
	return did, nil
}
