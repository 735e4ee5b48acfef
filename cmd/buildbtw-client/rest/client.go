// Package rest is the thin HTTP client the CLI talks to the server
// with.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apiit "github.com/archlinux/buildbtw/pkg/api/types/iterations"
	apins "github.com/archlinux/buildbtw/pkg/api/types/namespaces"
)

// APIError is a response the server answered with an error status.
// Transport failures (refused connection, timeout) surface as the
// *url.Error of net/http, which the CLI maps to its "server
// unreachable" exit code.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Reason)
}

type Client struct {
	server string
	http   *http.Client
}

func New(serverURL string) *Client {
	return &Client{
		server: strings.TrimSuffix(serverURL, "/"),
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, into any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Reason: resp.Status}
		payload := struct {
			Reason string `json:"reason"`
			Advice string `json:"advice"`
		}{}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Reason != "" {
			apiErr.Reason = payload.Reason
			if payload.Advice != "" {
				apiErr.Reason += ": " + payload.Advice
			}
		}
		return apiErr
	}

	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func (c *Client) CreateNamespace(ctx context.Context, create apins.Create) (apins.Detail, error) {
	detail := apins.Detail{}
	err := c.do(ctx, http.MethodPost, "/namespace", create, &detail)
	return detail, err
}

func (c *Client) ListNamespaces(ctx context.Context) ([]apins.Detail, error) {
	namespaces := []apins.Detail{}
	err := c.do(ctx, http.MethodGet, "/namespace", nil, &namespaces)
	return namespaces, err
}

// NamespaceDetail is the namespace with its iteration history.
type NamespaceDetail struct {
	apins.Detail
	Iterations []apiit.Summary `json:"iterations"`
}

func (c *Client) GetNamespace(ctx context.Context, name string) (NamespaceDetail, error) {
	detail := NamespaceDetail{}
	err := c.do(ctx, http.MethodGet, "/namespace/"+name, nil, &detail)
	return detail, err
}

func (c *Client) CancelNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/namespace/"+name+"/cancel", nil, nil)
}
