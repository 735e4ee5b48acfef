package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	apiworker "github.com/archlinux/buildbtw/pkg/api/types/worker"
)

// serverClient speaks the executor side of the server API: assignment
// long-polls, status reports and artifact uploads.
type serverClient struct {
	server string
	worker string
	http   *http.Client
}

func newServerClient(serverURL, workerName string, longPoll time.Duration) *serverClient {
	return &serverClient{
		server: strings.TrimSuffix(serverURL, "/"),
		worker: workerName,
		// the long-poll blocks server-side; leave headroom on top.
		http: &http.Client{Timeout: longPoll + 30*time.Second},
	}
}

// NextAssignment blocks on the server's long-poll. (nil, nil) means
// the poll elapsed without work.
func (c *serverClient) NextAssignment(ctx context.Context) (*apiworker.Assignment, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet,
		fmt.Sprintf("%s/worker/assignment?worker=%s", c.server, c.worker),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		assignment := apiworker.Assignment{}
		if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
			return nil, err
		}
		return &assignment, nil
	default:
		return nil, fmt.Errorf("assignment poll: unexpected status %d", resp.StatusCode)
	}
}

func (c *serverClient) ReportStatus(ctx context.Context, a *apiworker.Assignment, status string) error {
	payload, err := json.Marshal(apiworker.StatusReport{Status: status, ExecutorRef: c.worker})
	if err != nil {
		return err
	}

	url := fmt.Sprintf(
		"%s/node/%s/%s/%s/status",
		c.server, a.IterationId, a.Pkgbase, a.Architecture,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status report: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *serverClient) UploadPackage(ctx context.Context, a *apiworker.Assignment, pkgname string, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	url := fmt.Sprintf(
		"%s/iteration/%s/pkgbase/%s/pkgname/%s/architecture/%s/package",
		c.server, a.IterationId, a.Pkgbase, pkgname, a.Architecture,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, io.Reader(file))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+a.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: unexpected status %d", pkgname, resp.StatusCode)
	}
	return nil
}
