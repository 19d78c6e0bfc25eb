// miniostore provides an implementation of objectstore.Store backed by MinIO (or any S3-compatible
// service) using minio-go.
package miniostore

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/objectstore"
)

var (
	log = golog.LoggerFor("miniostore")
)

const (
	DefaultRegion = "us-east-1"
)

type Opts struct {
	// Endpoint like https://minio.example.com:9000. A bare host:port implies TLS.
	Endpoint  string
	AccessKey string
	SecretKey string
	// Region is set explicitly so that presigning never needs to look up the bucket location
	Region string
}

func (opts *Opts) ApplyDefaults() {
	if opts.Region == "" {
		opts.Region = DefaultRegion
		log.Debugf("Defaulted Region to %v", opts.Region)
	}
}

type store struct {
	client *minio.Client
	core   *minio.Core
}

// New constructs a new MinIO-backed Store. This doesn't contact the server.
func New(opts *Opts) (objectstore.Store, error) {
	opts.ApplyDefaults()
	host, secure, err := objectstore.ParseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.New("unable to create minio client for %v: %v", host, err)
	}
	log.Debugf("Using minio at %v (secure: %v, region: %v)", host, secure, opts.Region)
	return &store{
		client: client,
		core:   &minio.Core{Client: client},
	}, nil
}

func (s *store) InitiateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", storeError("InitiateMultipart", err)
	}
	return uploadID, nil
}

func (s *store) PresignPartPut(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("uploadId", uploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))
	u, err := s.client.Presign(ctx, "PUT", bucket, key, ttl, params)
	if err != nil {
		return "", storeError("PresignPartPut", err)
	}
	return u.String(), nil
}

func (s *store) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	u, err := s.client.PresignedPutObject(ctx, bucket, key, ttl)
	if err != nil {
		return "", storeError("PresignPut", err)
	}
	return u.String(), nil
}

func (s *store) ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*objectstore.ListPartsResult, error) {
	if maxParts <= 0 || maxParts > objectstore.MaxPartsPerPage {
		maxParts = objectstore.MaxPartsPerPage
	}
	page, err := s.core.ListObjectParts(ctx, bucket, key, uploadID, marker, maxParts)
	if err != nil {
		return nil, storeError("ListParts", err)
	}
	result := &objectstore.ListPartsResult{
		Parts:                make([]objectstore.Part, 0, len(page.ObjectParts)),
		NextPartNumberMarker: page.NextPartNumberMarker,
		IsTruncated:          page.IsTruncated,
	}
	for _, part := range page.ObjectParts {
		result.Parts = append(result.Parts, objectstore.Part{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
			Size:       part.Size,
		})
	}
	return result, nil
}

func (s *store) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []objectstore.Part) (string, error) {
	if err := objectstore.ValidateCompletedParts(parts); err != nil {
		return "", err
	}
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}
	info, err := s.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return "", storeError("CompleteMultipart", err)
	}
	return info.ETag, nil
}

func (s *store) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	err := s.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		storeErr := storeError("AbortMultipart", err)
		if storeErr.Code == objectstore.CodeNoSuchUpload {
			return nil
		}
		return storeErr
	}
	return nil
}

func (s *store) StatObject(ctx context.Context, bucket, key string) (*objectstore.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, storeError("StatObject", err)
	}
	return &objectstore.ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	}, nil
}

func (s *store) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   maxKeys,
	}) {
		if info.Err != nil {
			return nil, storeError("ListObjects", info.Err)
		}
		keys = append(keys, info.Key)
		if maxKeys > 0 && len(keys) >= maxKeys {
			break
		}
	}
	return keys, nil
}

func storeError(op string, err error) *objectstore.StoreError {
	resp := minio.ToErrorResponse(err)
	code := resp.Code
	// minio reports a missing object on HEAD with the generic NotFound code
	if op == "StatObject" && resp.StatusCode == 404 {
		code = objectstore.CodeNoSuchKey
	}
	return objectstore.NewStoreError(op, resp.StatusCode, code, err)
}
