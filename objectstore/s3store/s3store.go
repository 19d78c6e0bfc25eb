// s3store provides an implementation of objectstore.Store backed by Amazon S3 using the AWS SDK.
// Any S3-compatible service can be used by setting an Endpoint.
package s3store

import (
	"context"
	gerrors "errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/objectstore"
)

var (
	log = golog.LoggerFor("s3store")
)

type Opts struct {
	// Optional endpoint for S3-compatible services, e.g. https://s3.eu-central-1.wasabisys.com.
	// When set, path style addressing is used.
	Endpoint string
	Region   string
	// When AccessKey is empty, the SDK's default credential chain applies
	AccessKey string
	SecretKey string
}

type store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
}

// New constructs a new S3-backed Store.
func New(ctx context.Context, opts *Opts) (objectstore.Store, error) {
	if opts.Region == "" {
		return nil, errors.New("region is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.New("unable to load aws config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	log.Debugf("Using s3 in %v (endpoint: %v)", opts.Region, opts.Endpoint)
	return &store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
	}, nil
}

func (s *store) InitiateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", storeError("InitiateMultipart", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *store) PresignPartPut(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	req, err := s.presignClient.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", storeError("PresignPartPut", err)
	}
	return req.URL, nil
}

func (s *store) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	req, err := s.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", storeError("PresignPut", err)
	}
	return req.URL, nil
}

func (s *store) ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*objectstore.ListPartsResult, error) {
	if maxParts <= 0 || maxParts > objectstore.MaxPartsPerPage {
		maxParts = objectstore.MaxPartsPerPage
	}
	input := &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MaxParts: aws.Int32(int32(maxParts)),
	}
	if marker > 0 {
		input.PartNumberMarker = aws.String(strconv.Itoa(marker))
	}
	out, err := s.client.ListParts(ctx, input)
	if err != nil {
		return nil, storeError("ListParts", err)
	}

	result := &objectstore.ListPartsResult{
		Parts:       make([]objectstore.Part, 0, len(out.Parts)),
		IsTruncated: aws.ToBool(out.IsTruncated),
	}
	for _, part := range out.Parts {
		result.Parts = append(result.Parts, objectstore.Part{
			PartNumber: int(aws.ToInt32(part.PartNumber)),
			ETag:       aws.ToString(part.ETag),
			Size:       aws.ToInt64(part.Size),
		})
	}
	if next := aws.ToString(out.NextPartNumberMarker); next != "" {
		result.NextPartNumberMarker, err = strconv.Atoi(next)
		if err != nil {
			return nil, objectstore.NewStoreError("ListParts", 0, "", errors.New("unparseable part number marker %v: %v", next, err))
		}
	}
	return result, nil
}

func (s *store) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []objectstore.Part) (string, error) {
	if err := objectstore.ValidateCompletedParts(parts); err != nil {
		return "", err
	}
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		})
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", storeError("CompleteMultipart", err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *store) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
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
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, storeError("StatObject", err)
	}
	return &objectstore.ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

func (s *store) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 && maxKeys < 1000 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storeError("ListObjects", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if maxKeys > 0 && len(keys) >= maxKeys {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func storeError(op string, err error) *objectstore.StoreError {
	code := ""
	var apiErr smithy.APIError
	if gerrors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	status := 0
	var respErr *awshttp.ResponseError
	if gerrors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var noSuchUpload *types.NoSuchUpload
	if gerrors.As(err, &noSuchUpload) {
		code = objectstore.CodeNoSuchUpload
	}
	// HEAD responses have no body, so a missing object surfaces as NotFound
	if op == "StatObject" && status == 404 {
		code = objectstore.CodeNoSuchKey
	}
	return objectstore.NewStoreError(op, status, code, err)
}
