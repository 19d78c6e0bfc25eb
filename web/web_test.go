//go:build !smoketest
// +build !smoketest

package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/service"
	"github.com/getlantern/upcoord/testsupport"
	"github.com/getlantern/upcoord/web"
	"github.com/getlantern/upcoord/webclient"
)

func TestWebClientInMemory(t *testing.T) {
	testWebClient(t, testsupport.NewBackends(t))
}

// stubService fails Status with whatever errs holds, one per call, then succeeds
type stubService struct {
	service.Service
	errs  []error
	calls int32
}

func (s *stubService) Status(ctx context.Context, uploadID string) (*model.PartProgress, error) {
	call := int(atomic.AddInt32(&s.calls, 1)) - 1
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	return &model.PartProgress{UploadID: uploadID, Parts: []int{1}, Known: true}, nil
}

func TestErrorResponses(t *testing.T) {
	for err, expectedStatus := range map[error]int{
		model.ErrInvalidArgument:                       http.StatusBadRequest,
		model.ErrSessionNotFound:                       http.StatusNotFound,
		model.ErrAlreadyCompleted:                      http.StatusConflict,
		model.ErrStoreRejected:                         http.StatusGone,
		model.ErrStoreUnavailable:                      http.StatusServiceUnavailable,
		model.ErrInternal:                              http.StatusInternalServerError,
		context.DeadlineExceeded:                       http.StatusInternalServerError,
		model.ErrSessionNotFound.Describe("gone away"): http.StatusNotFound,
	} {
		handler := web.NewHandler(&stubService{errs: []error{err}}, 0)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/multipart/status?uploadId=u", nil))
		require.Equal(t, expectedStatus, rec.Code, err.Error())
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		errResp := &web.ErrorResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), errResp))
		typed := model.TypedError(err)
		require.Equal(t, typed.Kind.String(), errResp.Kind)
		require.Equal(t, expectedStatus, errResp.Code)
		require.Equal(t, typed.Description, errResp.Description)
	}
}

func TestMalformedRequests(t *testing.T) {
	handler := web.NewHandler(&stubService{}, 0)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/multipart/plan", strings.NewReader("{not json")),
		httptest.NewRequest(http.MethodPost, "/multipart/plan", strings.NewReader(`{"filename": "a", "bogus": 1}`)),
		httptest.NewRequest(http.MethodPost, "/multipart/complete", strings.NewReader("")),
		httptest.NewRequest(http.MethodGet, "/multipart/resume?sessionKey=k&part=one", nil),
		httptest.NewRequest(http.MethodGet, "/multipart/objects?date=2024-03-23&max=lots", nil),
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, req.URL.String())
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/multipart/plan", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	web.NewHandler(&stubService{}, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func newStubClient(t *testing.T, stub *stubService) service.Service {
	server := httptest.NewServer(web.NewHandler(stub, 0))
	t.Cleanup(server.Close)
	return webclient.New(server.URL, &webclient.Opts{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func TestClientRetriesUnavailable(t *testing.T) {
	stub := &stubService{errs: []error{model.ErrStoreUnavailable, model.ErrStoreUnavailable}}
	progress, err := newStubClient(t, stub).Status(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, []int{1}, progress.Parts)
	require.EqualValues(t, 3, atomic.LoadInt32(&stub.calls))
}

func TestClientGivesUpOnUnavailable(t *testing.T) {
	stub := &stubService{errs: []error{model.ErrStoreUnavailable, model.ErrStoreUnavailable, model.ErrStoreUnavailable}}
	_, err := newStubClient(t, stub).Status(context.Background(), "u")
	testsupport.RequireKind(t, err, model.KindStoreUnavailable)
	require.EqualValues(t, 3, atomic.LoadInt32(&stub.calls))
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	for _, expected := range []*model.Error{model.ErrInvalidArgument, model.ErrSessionNotFound, model.ErrStoreRejected, model.ErrInternal} {
		stub := &stubService{errs: []error{expected.Describe("nope")}}
		_, err := newStubClient(t, stub).Status(context.Background(), "u")
		testsupport.RequireKind(t, err, expected.Kind)
		require.Equal(t, "nope", model.TypedError(err).Description)
		require.EqualValues(t, 1, atomic.LoadInt32(&stub.calls))
	}
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	u := server.URL
	server.Close()

	client := webclient.New(u, &webclient.Opts{RetryMax: -1})
	_, err := client.Status(context.Background(), "u")
	testsupport.RequireKind(t, err, model.KindStoreUnavailable)
}

// newDroppingServer closes every connection without answering and counts the attempts
func newDroppingServer(t *testing.T) (string, *int32) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&attempts, 1)
		conn, _, err := resp.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(server.Close)
	return server.URL, &attempts
}

func TestClientDoesNotRetryPlanAfterTransportError(t *testing.T) {
	u, attempts := newDroppingServer(t)
	client := webclient.New(u, &webclient.Opts{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})

	_, err := client.Plan(context.Background(), &model.PlanRequest{Filename: "x.bin", PartCount: 3})
	testsupport.RequireKind(t, err, model.KindStoreUnavailable)
	require.EqualValues(t, 1, atomic.LoadInt32(attempts), "a lost plan response must not be replayed")

	_, err = client.Status(context.Background(), "u")
	testsupport.RequireKind(t, err, model.KindStoreUnavailable)
	require.EqualValues(t, 4, atomic.LoadInt32(attempts), "reads are retried")
}

func TestClientRetriesPlanOnUnavailable(t *testing.T) {
	stub := &planStub{errs: []error{model.ErrStoreUnavailable}}
	server := httptest.NewServer(web.NewHandler(stub, 0))
	defer server.Close()
	client := webclient.New(server.URL, &webclient.Opts{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})

	result, err := client.Plan(context.Background(), &model.PlanRequest{Filename: "x.bin", PartCount: 1})
	require.NoError(t, err)
	require.Equal(t, "files/x.bin", result.FolderID)
	require.EqualValues(t, 2, atomic.LoadInt32(&stub.calls))
}

// planStub fails Plan with whatever errs holds, one per call, then succeeds
type planStub struct {
	service.Service
	errs  []error
	calls int32
}

func (s *planStub) Plan(ctx context.Context, req *model.PlanRequest) (*model.PlanResult, error) {
	call := int(atomic.AddInt32(&s.calls, 1)) - 1
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	return &model.PlanResult{
		FolderID:   "files/" + req.Filename,
		UploadURLs: []model.PartURL{{PartNumber: 1, UploadURL: "https://store/put"}},
	}, nil
}
