package s3store

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/objectstore"
)

func newTestStore(t *testing.T) objectstore.Store {
	s, err := New(context.Background(), &Opts{
		Endpoint:  "http://localhost:9000",
		Region:    "eu-central-1",
		AccessKey: "access",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	return s
}

func TestPresignPartPut(t *testing.T) {
	s := newTestStore(t)
	raw, err := s.PresignPartPut(context.Background(), "uploads", "files/2024-03-23/id/report.pdf", "upload-1", 3, 2*time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "localhost:9000", u.Host)
	require.Equal(t, "/uploads/files/2024-03-23/id/report.pdf", u.Path)
	query := u.Query()
	require.Equal(t, "upload-1", query.Get("uploadId"))
	require.Equal(t, "3", query.Get("partNumber"))
	require.Equal(t, "7200", query.Get("X-Amz-Expires"))
	signedHeaders := strings.ToLower(query.Get("X-Amz-SignedHeaders"))
	require.Contains(t, signedHeaders, "host")
	require.NotContains(t, signedHeaders, "content-type")
}

func TestPresignPut(t *testing.T) {
	s := newTestStore(t)
	raw, err := s.PresignPut(context.Background(), "uploads", "files/2024-03-23/id/small.txt", time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Empty(t, u.Query().Get("uploadId"))

	_, err = s.PresignPut(context.Background(), "uploads", "key", 0)
	require.True(t, objectstore.HasCode(err, objectstore.CodeInvalidArgument))
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), &Opts{})
	require.Error(t, err)
}

func TestStoreError(t *testing.T) {
	err := storeError("ListParts", &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "gone"})
	require.True(t, objectstore.IsNoSuchUpload(err))

	err = storeError("InitiateMultipart", &smithy.GenericAPIError{Code: "SlowDown"})
	require.True(t, err.Retryable)

	err = storeError("CompleteMultipart", &smithy.GenericAPIError{Code: "InvalidPart"})
	require.False(t, err.Retryable)
}

// TestRoundTrip runs against real S3 when S3_TEST_BUCKET is set, using the SDK's default
// credential chain and S3_TEST_REGION.
func TestRoundTrip(t *testing.T) {
	bucket := os.Getenv("S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("S3_TEST_BUCKET not set")
	}
	ctx := context.Background()
	s, err := New(ctx, &Opts{Region: os.Getenv("S3_TEST_REGION"), Endpoint: os.Getenv("S3_TEST_ENDPOINT")})
	require.NoError(t, err)

	key := "files/test/" + time.Now().Format("150405.000000") + "/roundtrip.bin"
	uploadID, err := s.InitiateMultipart(ctx, bucket, key, "text/plain")
	require.NoError(t, err)

	parts, err := objectstore.PagedParts(ctx, s, bucket, key, uploadID, 0)
	require.NoError(t, err)
	require.Empty(t, parts)

	require.NoError(t, s.AbortMultipart(ctx, bucket, key, uploadID))
	require.NoError(t, s.AbortMultipart(ctx, bucket, key, uploadID), "abort should be idempotent")

	_, err = s.StatObject(ctx, bucket, key)
	require.True(t, objectstore.IsNoSuchKey(err))
}
