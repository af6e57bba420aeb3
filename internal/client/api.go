// Package client is the device side of offline sync: a durable local queue of
// mutation intents, replay on reconnect, status polling and conflict
// surfacing, all over the public sync API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/ingest"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

// API is a thin HTTP client for one user's view of the sync endpoints.
type API struct {
	base   string
	http   *http.Client
	tenant types.TenantID
	user   types.UserID
}

// APIOption configures an API.
type APIOption func(*API)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		if c != nil {
			a.http = c
		}
	}
}

// NewAPI targets the service at baseURL as tenant/user.
func NewAPI(baseURL string, tenant types.TenantID, user types.UserID, opts ...APIOption) *API {
	a := &API{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		tenant: tenant,
		user:   user,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit sends one batch and returns the per-item results.
func (a *API) Submit(ctx context.Context, subs []types.Submission) ([]ingest.ItemResult, error) {
	var resp ingest.SubmitResponse
	if err := a.do(ctx, http.MethodPost, "/sync/entries", ingest.SubmitRequest{Entries: subs}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Entry looks up one submission by uuid.
func (a *API) Entry(ctx context.Context, id string) (ingest.EntryView, error) {
	var resp struct {
		Entries []ingest.EntryView `json:"entries"`
	}
	if err := a.do(ctx, http.MethodGet, "/sync/entries?uuid="+url.QueryEscape(id), nil, &resp); err != nil {
		return ingest.EntryView{}, err
	}
	if len(resp.Entries) == 0 {
		return ingest.EntryView{}, syncerr.NotFound("entry %s not found", id)
	}
	return resp.Entries[0], nil
}

// Since lists entries updated at or after since, oldest first.
func (a *API) Since(ctx context.Context, since time.Time, limit int) ([]ingest.EntryView, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []ingest.EntryView `json:"entries"`
	}
	if err := a.do(ctx, http.MethodGet, "/sync/entries?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Conflicts lists the user's conflicts, optionally filtered by resolution.
func (a *API) Conflicts(ctx context.Context, status types.Resolution) ([]conflict.View, error) {
	path := "/sync/conflicts"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Conflicts []conflict.View `json:"conflicts"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}

// Conflict fetches one conflict.
func (a *API) Conflict(ctx context.Context, id int64) (conflict.View, error) {
	var v conflict.View
	err := a.do(ctx, http.MethodGet, "/sync/conflicts/"+strconv.FormatInt(id, 10), nil, &v)
	return v, err
}

// Resolve submits a resolution for conflict id.
func (a *API) Resolve(ctx context.Context, id int64, req conflict.Request) (conflict.View, types.SyncQueueEntry, error) {
	var resp struct {
		Conflict conflict.View        `json:"conflict"`
		Entry    types.SyncQueueEntry `json:"entry"`
	}
	if err := a.do(ctx, http.MethodPost, "/sync/conflicts/"+strconv.FormatInt(id, 10)+"/resolve", req, &resp); err != nil {
		return conflict.View{}, types.SyncQueueEntry{}, err
	}
	return resp.Conflict, resp.Entry, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderTenant, string(a.tenant))
	req.Header.Set(auth.HeaderUser, string(a.user))

	resp, err := a.http.Do(req)
	if err != nil {
		return syncerr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError maps an error response back onto the sync error taxonomy.
func decodeError(resp *http.Response) error {
	var body httpx.ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := strings.TrimPrefix(body.Error, body.Kind+": ")
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return syncerr.Validation("%s", msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Authorization("%s", msg)
	case resp.StatusCode == http.StatusNotFound:
		return syncerr.NotFound("%s", msg)
	case resp.StatusCode == http.StatusConflict:
		return syncerr.State("%s", msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return syncerr.DomainRejected(msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncerr.Transient(msg, nil)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}
