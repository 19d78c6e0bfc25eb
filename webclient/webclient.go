// Package webclient provides a service.Service that talks to a remote coordinator over HTTP.
package webclient

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

	"github.com/hashicorp/go-retryablehttp"

	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/service"
	"github.com/getlantern/upcoord/web"
)

var (
	log = golog.LoggerFor("webclient")
)

const (
	DefaultRetryMax     = 4
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 10 * time.Second
	DefaultTimeout      = 60 * time.Second
)

type Opts struct {
	// RetryMax caps retries of requests that failed with a transport error or a retryable status
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout bounds each attempt
	Timeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
		log.Debugf("Defaulted RetryMax to: %d", opts.RetryMax)
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
		log.Debugf("Defaulted RetryWaitMin to: %v", opts.RetryWaitMin)
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
		log.Debugf("Defaulted RetryWaitMax to: %v", opts.RetryWaitMax)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
		log.Debugf("Defaulted Timeout to: %v", opts.Timeout)
	}
}

type client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New constructs a client for the coordinator at baseURL (e.g. https://uploads.example.com).
// A negative RetryMax disables retries.
func New(baseURL string, opts *Opts) service.Service {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()

	hc := retryablehttp.NewClient()
	hc.RetryMax = opts.RetryMax
	if hc.RetryMax < 0 {
		hc.RetryMax = 0
	}
	hc.RetryWaitMin = opts.RetryWaitMin
	hc.RetryWaitMax = opts.RetryWaitMax
	hc.HTTPClient.Timeout = opts.Timeout
	hc.CheckRetry = checkRetry
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = leveledLogger{}

	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// noTransportRetries marks request contexts that must not be retried after a transport error
type noTransportRetries struct{}

// checkRetry retries transport errors and responses whose error kind is retryable. 4xx
// responses are never retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if ctx.Value(noTransportRetries{}) != nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true, nil
	default:
		return false, nil
	}
}

// Plan is only retried when the coordinator answers with a retryable status, which it only does
// after rolling back. A transport error may have hidden a successful plan, and retrying it would
// leave that upload orphaned at the store, so it is returned as StoreUnavailable instead.
func (c *client) Plan(ctx context.Context, req *model.PlanRequest) (*model.PlanResult, error) {
	ctx = context.WithValue(ctx, noTransportRetries{}, true)
	result := &model.PlanResult{}
	if err := c.do(ctx, http.MethodPost, "/multipart/plan", nil, req, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) Status(ctx context.Context, uploadID string) (*model.PartProgress, error) {
	progress := &model.PartProgress{}
	if err := c.do(ctx, http.MethodGet, "/multipart/status", url.Values{"uploadId": {uploadID}}, nil, progress); err != nil {
		return nil, err
	}
	return progress, nil
}

func (c *client) Resume(ctx context.Context, sessionKey string, partNumber int) (string, error) {
	resp := &web.ResumeResponse{}
	query := url.Values{"sessionKey": {sessionKey}, "part": {strconv.Itoa(partNumber)}}
	if err := c.do(ctx, http.MethodGet, "/multipart/resume", query, nil, resp); err != nil {
		return "", err
	}
	return resp.UploadURL, nil
}

func (c *client) Complete(ctx context.Context, req *model.CompleteRequest) (*model.CompleteResult, error) {
	result := &model.CompleteResult{}
	if err := c.do(ctx, http.MethodPost, "/multipart/complete", nil, req, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) Abort(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodPost, "/multipart/abort", nil, &web.AbortRequest{UploadID: uploadID}, nil)
}

func (c *client) State(ctx context.Context, sessionKey string, uploadID string) (model.State, error) {
	resp := &web.StateResponse{}
	query := url.Values{"sessionKey": {sessionKey}, "uploadId": {uploadID}}
	if err := c.do(ctx, http.MethodGet, "/multipart/state", query, nil, resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (c *client) Objects(ctx context.Context, day string, maxKeys int) ([]string, error) {
	resp := &web.ObjectsResponse{}
	query := url.Values{"date": {day}}
	if maxKeys != 0 {
		query.Set("max", strconv.Itoa(maxKeys))
	}
	if err := c.do(ctx, http.MethodGet, "/multipart/objects", query, nil, resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// do sends a request and decodes a successful response into out. Failures come back as
// *model.Error.
func (c *client) do(ctx context.Context, method, path string, query url.Values, in interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body interface{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return model.ErrInvalidArgument.Describe("unable to encode request").WithCause(err)
		}
		body = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return model.ErrInternal.Describe("unable to build request").WithCause(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.ErrStoreUnavailable.Describe("unable to reach coordinator").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.ErrInternal.Describe("unable to decode response").WithCause(err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return model.ErrStoreUnavailable.Describe("unable to read error response").WithCause(err)
	}
	errResp := &web.ErrorResponse{}
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(errResp); err != nil || errResp.Kind == "" {
		// not one of ours, e.g. a proxy in between
		kind := model.KindInternal
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout {
			kind = model.KindStoreUnavailable
		}
		return &model.Error{Kind: kind, Description: fmt.Sprintf("unexpected response status %d", resp.StatusCode)}
	}
	return &model.Error{Kind: model.KindFromString(errResp.Kind), Description: errResp.Description}
}

// leveledLogger routes retryablehttp's logging through golog
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Errorf("%v %v", msg, keysAndValues)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("%v %v", msg, keysAndValues)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Debugf("%v %v", msg, keysAndValues)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Debugf("WARNING: %v %v", msg, keysAndValues)
}
