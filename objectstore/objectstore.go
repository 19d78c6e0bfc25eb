// Package objectstore abstracts the S3 multipart protocol used to move bytes from the
// client straight to an S3-compatible object store. Implementations are stateless; every
// call is an independent signed request.
package objectstore

import (
	"context"
	gerrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/getlantern/errors"
)

const (
	// MaxPresignTTL is the longest validity SigV4 allows for a presigned URL
	MaxPresignTTL = 7 * 24 * time.Hour

	// MaxPartsPerPage is the most parts S3 returns from a single ListParts call
	MaxPartsPerPage = 1000

	CodeNoSuchUpload     = "NoSuchUpload"
	CodeNoSuchKey        = "NoSuchKey"
	CodeInvalidPart      = "InvalidPart"
	CodeInvalidPartOrder = "InvalidPartOrder"
	CodeInvalidArgument  = "InvalidArgument"
	CodeAccessDenied     = "AccessDenied"
)

// Part is a part the store has accepted for a multipart upload.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ListPartsResult is one page of parts.
type ListPartsResult struct {
	Parts                []Part
	NextPartNumberMarker int
	IsTruncated          bool
}

// ObjectInfo describes a committed object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

// Store is an S3-compatible object store.
type Store interface {
	// InitiateMultipart starts a multipart upload and returns the store's upload id. The final
	// object gets the given content type.
	InitiateMultipart(ctx context.Context, bucket, key, contentType string) (uploadID string, err error)

	// PresignPartPut returns a URL authorizing a PUT of one part. The URL's query carries
	// uploadId and partNumber and the signature never covers Content-Type.
	PresignPartPut(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error)

	// PresignPut returns a URL authorizing a PUT of a whole object.
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// ListParts returns one page of parts whose number is greater than marker.
	ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*ListPartsResult, error)

	// CompleteMultipart commits the given parts, which must be strictly ascending by part
	// number, and returns the final object's ETag.
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) (etag string, err error)

	// AbortMultipart discards an upload. Aborting an unknown upload succeeds.
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error

	// StatObject describes a committed object, failing with NoSuchKey if there is none.
	StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// ListObjects returns up to maxKeys object names under prefix in lexical order.
	ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]string, error)
}

// StoreError is an error from a Store operation.
type StoreError struct {
	// The Store method that failed
	Op string
	// S3 error code, empty for transport errors
	Code string
	// HTTP status, 0 for transport errors
	StatusCode int
	Retryable  bool
	Err        error
}

func (err *StoreError) Error() string {
	switch {
	case err.Code != "":
		return fmt.Sprintf("%s: %s (%d): %v", err.Op, err.Code, err.StatusCode, err.Err)
	case err.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", err.Op, err.StatusCode, err.Err)
	default:
		return fmt.Sprintf("%s: %v", err.Op, err.Err)
	}
}

func (err *StoreError) Unwrap() error {
	return err.Err
}

// NewStoreError builds a StoreError, classifying it as retryable from its status and code.
func NewStoreError(op string, statusCode int, code string, err error) *StoreError {
	if err == nil {
		err = errors.New("%v", code)
	}
	retryable := IsRetryable(statusCode, code)
	if gerrors.Is(err, context.Canceled) {
		retryable = false
	}
	return &StoreError{
		Op:         op,
		Code:       code,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}

var retryableCodes = map[string]bool{
	"SlowDown":                   true,
	"RequestTimeout":             true,
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"Throttling":                 true,
	"ThrottlingException":        true,
	"RequestTimeTooSkewed":       true,
	"XMinioServerNotInitialized": true,
}

// IsRetryable classifies a failed request. Transport failures (no status and no code), 5xx
// responses, throttling and a handful of transient S3 codes are retryable.
func IsRetryable(statusCode int, code string) bool {
	if retryableCodes[code] {
		return true
	}
	if statusCode == 0 {
		return code == ""
	}
	return statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests
}

// IsRetryableError reports whether err is a StoreError that may be retried. Errors that
// didn't come from a Store (timeouts, cancellations) count as transport failures.
func IsRetryableError(err error) bool {
	var storeErr *StoreError
	if gerrors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	return !gerrors.Is(err, context.Canceled)
}

// HasCode reports whether err is a StoreError with the given S3 error code.
func HasCode(err error, code string) bool {
	var storeErr *StoreError
	return gerrors.As(err, &storeErr) && storeErr.Code == code
}

func IsNoSuchUpload(err error) bool {
	return HasCode(err, CodeNoSuchUpload)
}

func IsNoSuchKey(err error) bool {
	return HasCode(err, CodeNoSuchKey)
}

// ValidateCompletedParts checks that parts is non-empty and strictly ascending by part number.
func ValidateCompletedParts(parts []Part) error {
	if len(parts) == 0 {
		return NewStoreError("CompleteMultipart", http.StatusBadRequest, CodeInvalidArgument, errors.New("no parts to complete"))
	}
	for i, part := range parts {
		if part.PartNumber < 1 {
			return NewStoreError("CompleteMultipart", http.StatusBadRequest, CodeInvalidArgument, errors.New("invalid part number %d", part.PartNumber))
		}
		if i > 0 && part.PartNumber <= parts[i-1].PartNumber {
			return NewStoreError("CompleteMultipart", http.StatusBadRequest, CodeInvalidPartOrder, errors.New("part %d follows part %d", part.PartNumber, parts[i-1].PartNumber))
		}
	}
	return nil
}

// ValidatePresignTTL checks that ttl is positive and within what SigV4 allows.
func ValidatePresignTTL(ttl time.Duration) error {
	if ttl <= 0 || ttl > MaxPresignTTL {
		return NewStoreError("Presign", 0, CodeInvalidArgument, errors.New("presign ttl %v outside (0, %v]", ttl, MaxPresignTTL))
	}
	return nil
}

// PagedParts pages through ListParts until the store reports no truncation and returns every
// part sorted by part number.
func PagedParts(ctx context.Context, s Store, bucket, key, uploadID string, pageSize int) ([]Part, error) {
	if pageSize <= 0 || pageSize > MaxPartsPerPage {
		pageSize = MaxPartsPerPage
	}
	var parts []Part
	marker := 0
	for {
		page, err := s.ListParts(ctx, bucket, key, uploadID, pageSize, marker)
		if err != nil {
			return nil, err
		}
		parts = append(parts, page.Parts...)
		if !page.IsTruncated {
			break
		}
		next := page.NextPartNumberMarker
		if next <= marker && len(page.Parts) > 0 {
			next = page.Parts[len(page.Parts)-1].PartNumber
		}
		if next <= marker {
			return nil, NewStoreError("ListParts", 0, "", errors.New("store reported truncation without advancing past part %d", marker))
		}
		marker = next
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts, nil
}

// ParseEndpoint splits an endpoint URL such as https://minio.example.com:9000 into the host
// and whether TLS is used. A bare host:port is treated as TLS.
func ParseEndpoint(endpoint string) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, errors.New("empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, errors.New("unable to parse endpoint %v: %v", endpoint, err)
	}
	switch u.Scheme {
	case "https":
		secure = true
	case "http":
		secure = false
	default:
		return "", false, errors.New("unsupported endpoint scheme %v", u.Scheme)
	}
	if u.Host == "" {
		return "", false, errors.New("endpoint %v has no host", endpoint)
	}
	return u.Host, secure, nil
}
