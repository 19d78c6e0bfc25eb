// Package web exposes a service.Service over HTTP with JSON bodies.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/service"
)

var (
	log = golog.LoggerFor("web")
)

const (
	maxBodyBytes = 1 << 20
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind        string `json:"kind"`
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type ResumeResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type AbortRequest struct {
	UploadID string `json:"uploadId"`
}

type StateResponse struct {
	State model.State `json:"state"`
}

type ObjectsResponse struct {
	Keys []string `json:"keys"`
}

type Handler interface {
	http.Handler

	// ActiveRequests tells us how many requests the Handler has in flight
	ActiveRequests() int
}

type handler struct {
	http.Handler
	srvc           service.Service
	activeRequests int64
}

// NewHandler builds a Handler for srvc. Requests running longer than timeout are canceled, a
// timeout <= 0 disables that.
func NewHandler(srvc service.Service, timeout time.Duration) Handler {
	h := &handler{srvc: srvc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.track)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Route("/multipart", func(r chi.Router) {
		r.Post("/plan", h.plan)
		r.Get("/status", h.status)
		r.Get("/resume", h.resume)
		r.Post("/complete", h.complete)
		r.Post("/abort", h.abort)
		r.Get("/state", h.state)
		r.Get("/objects", h.objects)
	})
	r.Get("/health", func(resp http.ResponseWriter, req *http.Request) {
		resp.WriteHeader(http.StatusOK)
		_, _ = resp.Write([]byte("OK"))
	})

	h.Handler = r
	return h
}

func (h *handler) ActiveRequests() int {
	return int(atomic.LoadInt64(&h.activeRequests))
}

func (h *handler) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&h.activeRequests, 1)
		defer atomic.AddInt64(&h.activeRequests, -1)
		next.ServeHTTP(resp, req)
	})
}

func (h *handler) plan(resp http.ResponseWriter, req *http.Request) {
	planReq := &model.PlanRequest{}
	if !decode(resp, req, planReq) {
		return
	}
	result, err := h.srvc.Plan(req.Context(), planReq)
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, result)
}

func (h *handler) status(resp http.ResponseWriter, req *http.Request) {
	progress, err := h.srvc.Status(req.Context(), req.URL.Query().Get("uploadId"))
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, progress)
}

func (h *handler) resume(resp http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	part, err := strconv.Atoi(query.Get("part"))
	if err != nil {
		writeError(resp, req, model.ErrInvalidArgument.Describe("part must be a number"))
		return
	}
	u, err := h.srvc.Resume(req.Context(), query.Get("sessionKey"), part)
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, &ResumeResponse{UploadURL: u})
}

func (h *handler) complete(resp http.ResponseWriter, req *http.Request) {
	completeReq := &model.CompleteRequest{}
	if !decode(resp, req, completeReq) {
		return
	}
	result, err := h.srvc.Complete(req.Context(), completeReq)
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, result)
}

func (h *handler) abort(resp http.ResponseWriter, req *http.Request) {
	abortReq := &AbortRequest{}
	if !decode(resp, req, abortReq) {
		return
	}
	if err := h.srvc.Abort(req.Context(), abortReq.UploadID); err != nil {
		writeError(resp, req, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func (h *handler) state(resp http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	state, err := h.srvc.State(req.Context(), query.Get("sessionKey"), query.Get("uploadId"))
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, &StateResponse{State: state})
}

func (h *handler) objects(resp http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	maxKeys := 0
	if max := query.Get("max"); max != "" {
		var err error
		maxKeys, err = strconv.Atoi(max)
		if err != nil {
			writeError(resp, req, model.ErrInvalidArgument.Describe("max must be a number"))
			return
		}
	}
	keys, err := h.srvc.Objects(req.Context(), query.Get("date"), maxKeys)
	if err != nil {
		writeError(resp, req, err)
		return
	}
	writeJSON(resp, http.StatusOK, &ObjectsResponse{Keys: keys})
}

func decode(resp http.ResponseWriter, req *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(resp, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(resp, req, model.ErrInvalidArgument.Describe("invalid request body").WithCause(err))
		return false
	}
	return true
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind model.Kind) int {
	switch kind {
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindSessionNotFound:
		return http.StatusNotFound
	case model.KindAlreadyCompleted:
		return http.StatusConflict
	case model.KindStoreRejected:
		return http.StatusGone
	case model.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(resp http.ResponseWriter, req *http.Request, err error) {
	typed := model.TypedError(err)
	status := StatusFor(typed.Kind)
	if status == http.StatusInternalServerError {
		log.Errorf("%v %v (request %v): %v", req.Method, req.URL.Path, middleware.GetReqID(req.Context()), err)
	} else {
		log.Debugf("%v %v: %v", req.Method, req.URL.Path, err)
	}
	writeJSON(resp, status, &ErrorResponse{
		Kind:        typed.Kind.String(),
		Code:        status,
		Description: typed.Description,
	})
}

func writeJSON(resp http.ResponseWriter, status int, v interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	if err := json.NewEncoder(resp).Encode(v); err != nil {
		log.Debugf("unable to write response: %v", err)
	}
}
