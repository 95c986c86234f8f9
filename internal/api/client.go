package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/sortbridge/internal/bridge"
	"github.com/banshee-data/sortbridge/internal/httputil"
	"github.com/banshee-data/sortbridge/internal/sorting"
)

// DefaultClientTimeout matches what classifiers allow for the 202.
const DefaultClientTimeout = 5 * time.Second

// StatusError is a non-2xx reply from the bridge.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running bridge. Classifiers use Submit; Job polls the
// ticket afterwards.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient targets baseURL, e.g. http://192.168.0.101:5002. A nil hc uses
// an http.Client with DefaultClientTimeout.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit posts one classification and returns the accepted ticket.
func (c *Client) Submit(ctx context.Context, typeID sorting.TypeID) (AcceptedResponse, error) {
	body, err := json.Marshal(map[string]int{"type_id": int(typeID)})
	if err != nil {
		return AcceptedResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/process_trash", bytes.NewReader(body))
	if err != nil {
		return AcceptedResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out AcceptedResponse
	if err := c.do(req, http.StatusAccepted, &out); err != nil {
		return AcceptedResponse{}, err
	}
	return out, nil
}

// Job fetches a ticket's state.
func (c *Client) Job(ctx context.Context, id string) (bridge.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/jobs/"+id, nil)
	if err != nil {
		return bridge.Job{}, err
	}
	var job bridge.Job
	if err := c.do(req, http.StatusOK, &job); err != nil {
		return bridge.Job{}, err
	}
	return job, nil
}

// WaitJob polls Job every interval until the ticket leaves the queued state
// or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (bridge.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return bridge.Job{}, err
		}
		if job.State != bridge.JobQueued {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
