package collab

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/archerline/bridge/shared"
)

// Client is the shared HTTP plumbing for backend collaborators. Each
// service wraps it with typed requests.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	token   string
}

func NewClient(logger shared.LoggerAdapter, baseUrl, token string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing collaborator URL: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("collaborator URL %q has no host", baseUrl)
	}
	return &Client{
		logger:  logger,
		baseUrl: parsed,
		token:   token,
	}, nil
}

// do performs one JSON request. Unreachable hosts and 5xx map to
// ErrCollaboratorUnavailable, 404 to ErrNotFound, 409 and 422 to
// ErrRejected.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath(path).String())
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
		}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
	case status == fasthttp.StatusNotFound:
		return shared.ErrNotFound
	case status == fasthttp.StatusConflict, status == fasthttp.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", shared.ErrRejected, resp.Body())
	case status >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrCollaboratorUnavailable, status)
	default:
		return fmt.Errorf("unexpected status code: %d, body: %s", status, resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		c.logger.Error("unmarshaling collaborator response", err,
			zap.String("path", path),
			zap.ByteString("body", resp.Body()),
		)
		return fmt.Errorf("unmarshaling collaborator response: %w", err)
	}
	return nil
}
