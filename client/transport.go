package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/hashicorp/go-retryablehttp"
)

// transport sends requests to an HTTP cache service. Failed responses are passed through so
// that their status and body reach the OperationError.
type transport struct {
	hc     *retryablehttp.Client
	token  string
	logger *slog.Logger
}

func newTransport(logger *slog.Logger, token string, retryMax int) *transport {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = retryMax
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &transport{hc: hc, token: token, logger: logger}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// failed turns an unexpected response into an OperationError.
func (t *transport) failed(ctx context.Context, op string, r *response) error {
	return fault.Wrap(operationFailed(t.logger, op, r.status, r.body, nil), fctx.With(ctx))
}

// newRequest creates a request with an optional JSON body (in == nil means no body).
func (t *transport) newRequest(ctx context.Context, method, url string, in any) (*retryablehttp.Request, error) {
	var raw any
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With("error encoding request"), fctx.With(ctx))
		}
		raw = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("error creating request"), fctx.With(ctx))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (t *transport) authorize(req *retryablehttp.Request, accept string) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
}

// send performs req and reads the whole response body. Transport failures come back as an
// OperationError with no status.
func (t *transport) send(ctx context.Context, op string, req *retryablehttp.Request) (*response, error) {
	resp, err := t.hc.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fault.Wrap(operationFailed(t.logger, op, 0, nil, err), fctx.With(ctx))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(operationFailed(t.logger, op, resp.StatusCode, nil, err), fctx.With(ctx))
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// call sends a JSON request and decodes a successful response into out (if not nil).
func (t *transport) call(ctx context.Context, op, method, url, accept string, in, out any) (*response, error) {
	req, err := t.newRequest(ctx, method, url, in)
	if err != nil {
		return nil, err
	}
	t.authorize(req, accept)

	r, err := t.send(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if out != nil && r.ok() && len(r.body) > 0 {
		if err = json.Unmarshal(r.body, out); err != nil {
			return nil, fault.Wrap(operationFailed(t.logger, op, r.status, r.body, err), fctx.With(ctx))
		}
	}
	return r, nil
}

// download opens an archive location with a plain GET. The location is expected to be
// self-authorizing, so no bearer token is sent.
func (t *transport) download(ctx context.Context, location string) (*Download, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("error creating download request"), fctx.With(ctx))
	}

	resp, err := t.hc.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fault.Wrap(operationFailed(t.logger, "download", 0, nil, err), fctx.With(ctx))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, fault.Wrap(operationFailed(t.logger, "download", resp.StatusCode, body, nil), fctx.With(ctx))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fault.Wrap(
			operationFailed(t.logger, "download", resp.StatusCode, nil, errors.New("failed to retrieve cache stream")),
			fctx.With(ctx))
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return &Download{Size: size, Body: resp.Body}, nil
}
