package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"edusync/internal/model"
	"edusync/internal/offline"
)

// HTTPTransport delivers actions to the school platform's REST API.
// Each entity type has its own collection endpoint:
//
//	create: POST   {base}/v1/{entityType}
//	update: PUT    {base}/v1/{entityType}/{id}
//	delete: DELETE {base}/v1/{entityType}/{id}
//
// Timeouts are the caller's responsibility via the context; the engine
// uses its data-call timeout for Send and the monitor its short probe
// timeout for Probe.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ offline.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for the API at baseURL. token, if
// non-empty, is presented as a bearer token. client may be nil to use a
// default client.
func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Send delivers one queued action and returns the canonical server
// representation on success (nil for deletes). The action id travels as
// an idempotency key so a retried delivery is safe on the server side.
func (t *HTTPTransport) Send(ctx context.Context, action *model.QueuedAction) ([]byte, error) {
	method, url := t.route(action)

	var body io.Reader
	if action.Operation != model.OpDelete {
		body = bytes.NewReader(action.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", action.ID)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()

	return classify(resp)
}

// Probe checks server reachability via the health endpoint.
func (t *HTTPTransport) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) route(action *model.QueuedAction) (method, url string) {
	collection := t.baseURL + "/v1/" + string(action.EntityType)
	switch action.Operation {
	case model.OpCreate:
		return http.MethodPost, collection
	case model.OpUpdate:
		return http.MethodPut, collection + "/" + action.EntityID
	default:
		return http.MethodDelete, collection + "/" + action.EntityID
	}
}

// classify maps the server's response onto the sync error taxonomy:
// 2xx success, 4xx permanent, anything else transient.
func classify(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &offline.TransientSyncError{Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(body) == 0 {
			return nil, nil
		}
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := strings.TrimSpace(string(body))
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, &offline.PermanentSyncError{StatusCode: resp.StatusCode, Reason: reason}
	default:
		return nil, &offline.TransientSyncError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server returned status %d", resp.StatusCode),
		}
	}
}
