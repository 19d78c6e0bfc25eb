package objectstore

import (
	"context"
	gerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(0, ""), "transport failure")
	require.True(t, IsRetryable(500, "InternalError"))
	require.True(t, IsRetryable(503, ""))
	require.True(t, IsRetryable(429, ""))
	require.True(t, IsRetryable(400, "RequestTimeout"))
	require.True(t, IsRetryable(503, "SlowDown"))
	require.False(t, IsRetryable(404, CodeNoSuchUpload))
	require.False(t, IsRetryable(403, CodeAccessDenied))
	require.False(t, IsRetryable(400, CodeInvalidPart))
	require.False(t, IsRetryable(0, CodeInvalidArgument))
}

func TestStoreErrorHelpers(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewStoreError("ListParts", 404, CodeNoSuchUpload, nil))
	require.True(t, IsNoSuchUpload(err))
	require.False(t, IsNoSuchKey(err))
	require.False(t, IsRetryableError(err))

	require.True(t, IsRetryableError(context.DeadlineExceeded))
	require.False(t, IsRetryableError(context.Canceled))
	require.False(t, NewStoreError("ListParts", 0, "", context.Canceled).Retryable)

	cause := gerrors.New("dial tcp: connection refused")
	storeErr := NewStoreError("InitiateMultipart", 0, "", cause)
	require.True(t, storeErr.Retryable)
	require.True(t, gerrors.Is(storeErr, cause))
	require.Equal(t, "InitiateMultipart: dial tcp: connection refused", storeErr.Error())
}

func TestValidateCompletedParts(t *testing.T) {
	require.NoError(t, ValidateCompletedParts([]Part{{PartNumber: 1}, {PartNumber: 3}, {PartNumber: 4}}))
	require.True(t, HasCode(ValidateCompletedParts([]Part{{PartNumber: 2}, {PartNumber: 1}}), CodeInvalidPartOrder))
	require.True(t, HasCode(ValidateCompletedParts([]Part{{PartNumber: 2}, {PartNumber: 2}}), CodeInvalidPartOrder))
	require.True(t, HasCode(ValidateCompletedParts(nil), CodeInvalidArgument))
	require.True(t, HasCode(ValidateCompletedParts([]Part{{PartNumber: 0}}), CodeInvalidArgument))
}

func TestValidatePresignTTL(t *testing.T) {
	require.NoError(t, ValidatePresignTTL(24*time.Hour))
	require.NoError(t, ValidatePresignTTL(MaxPresignTTL))
	require.Error(t, ValidatePresignTTL(0))
	require.Error(t, ValidatePresignTTL(MaxPresignTTL+time.Second))
}

func TestParseEndpoint(t *testing.T) {
	host, secure, err := ParseEndpoint("https://s3.example.com")
	require.NoError(t, err)
	require.Equal(t, "s3.example.com", host)
	require.True(t, secure)

	host, secure, err = ParseEndpoint("http://localhost:9000")
	require.NoError(t, err)
	require.Equal(t, "localhost:9000", host)
	require.False(t, secure)

	host, secure, err = ParseEndpoint("play.min.io")
	require.NoError(t, err)
	require.Equal(t, "play.min.io", host)
	require.True(t, secure)

	_, _, err = ParseEndpoint("ftp://host")
	require.Error(t, err)
	_, _, err = ParseEndpoint("")
	require.Error(t, err)
}

// pagingStore serves ListParts from a fixed set of part numbers
type pagingStore struct {
	Store
	parts []int
	calls int
}

func (s *pagingStore) ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*ListPartsResult, error) {
	s.calls++
	result := &ListPartsResult{}
	for _, n := range s.parts {
		if n <= marker {
			continue
		}
		if len(result.Parts) == maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, Part{PartNumber: n, ETag: fmt.Sprintf("etag%d", n)})
		result.NextPartNumberMarker = n
	}
	return result, nil
}

func TestPagedParts(t *testing.T) {
	s := &pagingStore{parts: []int{1, 2, 3, 5, 8, 9, 10}}
	parts, err := PagedParts(context.Background(), s, "b", "k", "u", 2)
	require.NoError(t, err)
	require.Equal(t, 4, s.calls)
	numbers := make([]int, 0, len(parts))
	for _, p := range parts {
		numbers = append(numbers, p.PartNumber)
	}
	require.Equal(t, []int{1, 2, 3, 5, 8, 9, 10}, numbers)
}

type stuckStore struct {
	Store
}

func (s *stuckStore) ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*ListPartsResult, error) {
	return &ListPartsResult{IsTruncated: true}, nil
}

func TestPagedPartsDetectsStuckPagination(t *testing.T) {
	_, err := PagedParts(context.Background(), &stuckStore{}, "b", "k", "u", 10)
	require.Error(t, err)
}
