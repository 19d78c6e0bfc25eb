package model

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/getlantern/upcoord/util"
)

const (
	// DefaultContentType is used for objects whose content type the caller didn't specify
	DefaultContentType = "application/octet-stream"

	MinPartCount = 1
	MaxPartCount = 10000
)

// State is the lifecycle state of an upload. It is always derived from the session store and
// the object store, never stored.
type State string

const (
	StatePlanned    State = "planned"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
	StateExpired    State = "expired"
)

// PartURL is a presigned PUT URL for one part of a multipart upload.
type PartURL struct {
	PartNumber int    `json:"part"`
	UploadURL  string `json:"uploadUrl"`
}

// UploadSession is the persisted record of one in-flight multipart upload. It is written
// once at plan time and never updated; part progress lives in the object store.
type UploadSession struct {
	// The object key, also the primary identifier for resume
	SessionKey string `json:"folderId"`
	// The upload id issued by the object store
	UploadID    string `json:"uploadId"`
	Bucket      string `json:"bucket"`
	ContentType string `json:"contentType"`
	// The normalized logical path supplied by the caller, kept for diagnostics only
	Path      string    `json:"path,omitempty"`
	PartCount int       `json:"partCount"`
	PartURLs  []PartURL `json:"uploadUrls"`
	// Milliseconds since the epoch
	CreatedAt int64 `json:"createdAt"`
	// Milliseconds since the epoch
	ExpiresAt int64 `json:"expiresAt"`
}

// Validate checks that the session's part URLs are contiguous, 1-indexed and consistent with
// PartCount, and that they all target the same object and upload, differing only in partNumber.
func (s *UploadSession) Validate() error {
	if s.SessionKey == "" || s.UploadID == "" || s.Bucket == "" {
		return ErrInternal.Describe("session is missing identifiers")
	}
	if s.PartCount < MinPartCount || s.PartCount > MaxPartCount {
		return ErrInternal.Describe("session part count %d out of range", s.PartCount)
	}
	if len(s.PartURLs) != s.PartCount {
		return ErrInternal.Describe("session has %d part urls for %d parts", len(s.PartURLs), s.PartCount)
	}
	var first *url.URL
	for i, part := range s.PartURLs {
		if part.PartNumber != i+1 {
			return ErrInternal.Describe("part url %d has part number %d", i, part.PartNumber)
		}
		if part.UploadURL == "" {
			return ErrInternal.Describe("part %d has no url", part.PartNumber)
		}
		u, err := url.Parse(part.UploadURL)
		if err != nil {
			return ErrInternal.Describe("part %d has an unparseable url", part.PartNumber).WithCause(err)
		}
		query := u.Query()
		if query.Get("uploadId") != s.UploadID {
			return ErrInternal.Describe("part %d url is for upload %q", part.PartNumber, query.Get("uploadId"))
		}
		if query.Get("partNumber") != strconv.Itoa(part.PartNumber) {
			return ErrInternal.Describe("part %d url has partNumber %q", part.PartNumber, query.Get("partNumber"))
		}
		if first == nil {
			first = u
		} else if u.Scheme != first.Scheme || u.Host != first.Host || u.Path != first.Path {
			return ErrInternal.Describe("part %d url targets %v://%v%v", part.PartNumber, u.Scheme, u.Host, u.Path)
		}
	}
	return nil
}

// PartURL returns the URL minted for the given 1-indexed part.
func (s *UploadSession) PartURL(partNumber int) (string, error) {
	if partNumber < 1 || partNumber > s.PartCount || partNumber > len(s.PartURLs) {
		return "", ErrInvalidArgument.Describe("part %d out of range [1, %d]", partNumber, s.PartCount)
	}
	return s.PartURLs[partNumber-1].UploadURL, nil
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *UploadSession) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && !now.Before(util.TimeFromMillis(s.ExpiresAt))
}

// PlanRequest asks for a new upload.
type PlanRequest struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	PartCount   int    `json:"partCount"`
	ContentType string `json:"contentType,omitempty"`
}

// PlanResult is what the client needs to upload the object.
//
// Single part uploads have no UploadID and need no completion. On the wire they keep the
// shape {"uploadUrls": ["<url>"]}, whereas multipart uploads carry
// {"uploadUrls": [{"part": 1, "uploadUrl": "<url>"}, ...]}.
type PlanResult struct {
	UploadID string
	FolderID string
	// For multipart uploads the store fixes this when the upload is initiated. Single part URLs
	// don't sign it, so the client must send it as the Content-Type header of its PUT or the
	// store falls back to its own default.
	ContentType string
	UploadURLs  []PartURL
	// False when the session couldn't be recorded, in which case the upload still works
	// but can't be resumed.
	Persisted bool
	// Milliseconds since the epoch
	URLsExpireAt int64
}

// SinglePart reports whether this is a fast path upload without a multipart session.
func (r *PlanResult) SinglePart() bool {
	return r.UploadID == ""
}

type planResultJSON struct {
	UploadID     string          `json:"uploadId,omitempty"`
	FolderID     string          `json:"folderId"`
	ContentType  string          `json:"contentType"`
	UploadURLs   json.RawMessage `json:"uploadUrls"`
	Persisted    bool            `json:"persisted"`
	URLsExpireAt int64           `json:"urlsExpireAt"`
}

func (r *PlanResult) MarshalJSON() ([]byte, error) {
	var urls interface{} = r.UploadURLs
	if r.SinglePart() {
		plain := make([]string, 0, len(r.UploadURLs))
		for _, u := range r.UploadURLs {
			plain = append(plain, u.UploadURL)
		}
		urls = plain
	} else if r.UploadURLs == nil {
		urls = []PartURL{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&planResultJSON{
		UploadID:     r.UploadID,
		FolderID:     r.FolderID,
		ContentType:  r.ContentType,
		UploadURLs:   urlsJSON,
		Persisted:    r.Persisted,
		URLsExpireAt: r.URLsExpireAt,
	})
}

func (r *PlanResult) UnmarshalJSON(b []byte) error {
	var raw planResultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = PlanResult{
		UploadID:     raw.UploadID,
		FolderID:     raw.FolderID,
		ContentType:  raw.ContentType,
		Persisted:    raw.Persisted,
		URLsExpireAt: raw.URLsExpireAt,
	}
	if len(raw.UploadURLs) == 0 || string(raw.UploadURLs) == "null" {
		return nil
	}
	if raw.UploadID == "" {
		var plain []string
		if err := json.Unmarshal(raw.UploadURLs, &plain); err != nil {
			return err
		}
		for i, u := range plain {
			r.UploadURLs = append(r.UploadURLs, PartURL{PartNumber: i + 1, UploadURL: u})
		}
		return nil
	}
	return json.Unmarshal(raw.UploadURLs, &r.UploadURLs)
}

// PartProgress is the set of parts the object store has accepted for an upload.
type PartProgress struct {
	UploadID string `json:"uploadId"`
	// Ascending part numbers
	Parts []int `json:"parts"`
	// Whether a session was found for the upload id. An unknown upload has empty progress.
	Known bool `json:"known"`
}

// Contains reports whether the given part has been uploaded.
func (p *PartProgress) Contains(partNumber int) bool {
	for _, n := range p.Parts {
		if n == partNumber {
			return true
		}
	}
	return false
}

// CompleteRequest identifies the upload to complete.
type CompleteRequest struct {
	SessionKey string `json:"sessionKey"`
	UploadID   string `json:"uploadId"`
}

// CompleteResult describes a committed object.
type CompleteResult struct {
	SessionKey string `json:"folderId"`
	UploadID   string `json:"uploadId"`
	ETag       string `json:"etag"`
	// Number of parts committed
	Parts int `json:"parts"`
}
