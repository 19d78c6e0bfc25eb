// memstore implements an in-memory objectstore.Store that also serves the URLs it presigns,
// so clients can PUT parts to it over HTTP exactly as they would to S3. Failures can be
// injected per operation. This is meant for tests and local development, not production.
package memstore

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/upcoord/objectstore"
)

var (
	log = golog.LoggerFor("memstore")
)

const (
	DefaultBaseURL = "http://memstore.invalid"

	paramExpires   = "X-Mem-Expires"
	paramSignature = "X-Mem-Signature"
	paramUploadID  = "uploadId"
	paramPart      = "partNumber"
)

type Opts struct {
	// Where the Store's ServeHTTP is reachable, used as the base of presigned URLs
	BaseURL string
	// Key used to sign URLs, defaults to a random key
	Secret string
	// Clock used for URL expiry, defaults to time.Now
	Now func() time.Time
}

type upload struct {
	bucket      string
	key         string
	contentType string
	parts       map[int]*storedPart
}

type storedPart struct {
	etag string
	data []byte
}

type object struct {
	data        []byte
	etag        string
	contentType string
}

// Store is an in-memory object store. It's safe for concurrent use.
type Store struct {
	baseURL string
	secret  []byte
	now     func() time.Time

	uploads      map[string]*upload
	objects      map[string]*object
	failures     map[string][]error
	presignFails map[int]error
	calls        map[string]int
	mx           sync.Mutex
}

// New constructs a new in-memory Store.
func New(opts *Opts) *Store {
	if opts == nil {
		opts = &Opts{}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	secret := opts.Secret
	if secret == "" {
		secret = uuid.New().String()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		baseURL:      strings.TrimRight(baseURL, "/"),
		secret:       []byte(secret),
		now:          now,
		uploads:      make(map[string]*upload),
		objects:      make(map[string]*object),
		failures:     make(map[string][]error),
		presignFails: make(map[int]error),
		calls:        make(map[string]int),
	}
}

// SetBaseURL changes the base of subsequently presigned URLs, which is handy when the Store is
// served by an httptest.Server that only gets its address after the Store has been built.
func (s *Store) SetBaseURL(baseURL string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.baseURL = strings.TrimRight(baseURL, "/")
}

// FailNext makes the next call to the named operation (e.g. "CompleteMultipart") fail with err.
// Calling it repeatedly queues up several failures.
func (s *Store) FailNext(op string, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// FailPresignAt makes presigning the given part number fail with err until cleared with a nil err.
func (s *Store) FailPresignAt(partNumber int, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err == nil {
		delete(s.presignFails, partNumber)
		return
	}
	s.presignFails[partNumber] = err
}

// Calls returns how many times the named operation has been invoked.
func (s *Store) Calls(op string) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.calls[op]
}

// Uploads returns how many multipart uploads are in flight.
func (s *Store) Uploads() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.uploads)
}

// Object returns the content and content type of a committed object.
func (s *Store) Object(bucket, key string) (data []byte, contentType string, found bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	obj, found := s.objects[objectID(bucket, key)]
	if !found {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// begin records a call to op and returns any injected failure. Must be called with mx held.
func (s *Store) begin(op string) error {
	s.calls[op]++
	pending := s.failures[op]
	if len(pending) == 0 {
		return nil
	}
	err := pending[0]
	s.failures[op] = pending[1:]
	return err
}

func (s *Store) InitiateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", objectstore.NewStoreError("InitiateMultipart", 0, "", err)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("InitiateMultipart"); err != nil {
		return "", err
	}
	uploadID := uuid.New().String()
	s.uploads[uploadID] = &upload{
		bucket:      bucket,
		key:         key,
		contentType: contentType,
		parts:       make(map[int]*storedPart),
	}
	return uploadID, nil
}

func (s *Store) PresignPartPut(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", objectstore.NewStoreError("PresignPartPut", 0, "", err)
	}
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("PresignPartPut"); err != nil {
		return "", err
	}
	if err := s.presignFails[partNumber]; err != nil {
		return "", err
	}
	return s.presign(bucket, key, uploadID, partNumber, ttl), nil
}

func (s *Store) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", objectstore.NewStoreError("PresignPut", 0, "", err)
	}
	if err := objectstore.ValidatePresignTTL(ttl); err != nil {
		return "", err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("PresignPut"); err != nil {
		return "", err
	}
	return s.presign(bucket, key, "", 0, ttl), nil
}

// presign builds a signed URL. Must be called with mx held.
func (s *Store) presign(bucket, key, uploadID string, partNumber int, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	query := url.Values{}
	query.Set(paramExpires, strconv.FormatInt(expires, 10))
	if uploadID != "" {
		query.Set(paramUploadID, uploadID)
		query.Set(paramPart, strconv.Itoa(partNumber))
	}
	path := "/" + bucket + "/" + key
	query.Set(paramSignature, s.sign(http.MethodPut, path, query))
	u := &url.URL{Path: path, RawQuery: query.Encode()}
	return s.baseURL + u.String()
}

func (s *Store) sign(method string, path string, query url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n%s", method, path, query.Get(paramExpires), query.Get(paramUploadID), query.Get(paramPart))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string, maxParts, marker int) (*objectstore.ListPartsResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.NewStoreError("ListParts", 0, "", err)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("ListParts"); err != nil {
		return nil, err
	}
	up, err := s.findUpload("ListParts", bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if maxParts <= 0 || maxParts > objectstore.MaxPartsPerPage {
		maxParts = objectstore.MaxPartsPerPage
	}

	numbers := make([]int, 0, len(up.parts))
	for n := range up.parts {
		if n > marker {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	result := &objectstore.ListPartsResult{}
	for _, n := range numbers {
		if len(result.Parts) == maxParts {
			result.IsTruncated = true
			break
		}
		part := up.parts[n]
		result.Parts = append(result.Parts, objectstore.Part{PartNumber: n, ETag: part.etag, Size: int64(len(part.data))})
		result.NextPartNumberMarker = n
	}
	return result, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []objectstore.Part) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", objectstore.NewStoreError("CompleteMultipart", 0, "", err)
	}
	if err := objectstore.ValidateCompletedParts(parts); err != nil {
		return "", err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("CompleteMultipart"); err != nil {
		return "", err
	}
	up, err := s.findUpload("CompleteMultipart", bucket, key, uploadID)
	if err != nil {
		return "", err
	}

	var data []byte
	etagHash := md5.New()
	for _, p := range parts {
		stored, found := up.parts[p.PartNumber]
		if !found || stored.etag != p.ETag {
			return "", objectstore.NewStoreError("CompleteMultipart", http.StatusBadRequest, objectstore.CodeInvalidPart, errors.New("part %d not found or etag mismatch", p.PartNumber))
		}
		data = append(data, stored.data...)
		raw, _ := hex.DecodeString(strings.Trim(stored.etag, `"`))
		etagHash.Write(raw)
	}
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(etagHash.Sum(nil)), len(parts))
	s.objects[objectID(bucket, key)] = &object{data: data, etag: etag, contentType: up.contentType}
	delete(s.uploads, uploadID)
	log.Debugf("Completed %v with %d parts", key, len(parts))
	return etag, nil
}

func (s *Store) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return objectstore.NewStoreError("AbortMultipart", 0, "", err)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("AbortMultipart"); err != nil {
		return err
	}
	up, found := s.uploads[uploadID]
	if found && up.bucket == bucket && up.key == key {
		delete(s.uploads, uploadID)
	}
	return nil
}

func (s *Store) StatObject(ctx context.Context, bucket, key string) (*objectstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.NewStoreError("StatObject", 0, "", err)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("StatObject"); err != nil {
		return nil, err
	}
	obj, found := s.objects[objectID(bucket, key)]
	if !found {
		return nil, objectstore.NewStoreError("StatObject", http.StatusNotFound, objectstore.CodeNoSuchKey, errors.New("no object at %v", key))
	}
	return &objectstore.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType}, nil
}

func (s *Store) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.NewStoreError("ListObjects", 0, "", err)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.begin("ListObjects"); err != nil {
		return nil, err
	}
	bucketPrefix := objectID(bucket, prefix)
	var keys []string
	for id := range s.objects {
		if strings.HasPrefix(id, bucketPrefix) {
			keys = append(keys, strings.TrimPrefix(id, bucket+"/"))
		}
	}
	sort.Strings(keys)
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	return keys, nil
}

// findUpload looks up an upload. Must be called with mx held.
func (s *Store) findUpload(op, bucket, key, uploadID string) (*upload, error) {
	up, found := s.uploads[uploadID]
	if !found || up.bucket != bucket || up.key != key {
		return nil, objectstore.NewStoreError(op, http.StatusNotFound, objectstore.CodeNoSuchUpload, errors.New("no upload %v for %v", uploadID, key))
	}
	return up, nil
}

// PutPart stores a part directly, bypassing presigned URLs, and returns its ETag.
func (s *Store) PutPart(bucket, key, uploadID string, partNumber int, data []byte) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.putPart(bucket, key, uploadID, partNumber, data)
}

// putPart must be called with mx held.
func (s *Store) putPart(bucket, key, uploadID string, partNumber int, data []byte) (string, error) {
	up, err := s.findUpload("UploadPart", bucket, key, uploadID)
	if err != nil {
		return "", err
	}
	if partNumber < 1 || partNumber > 10000 {
		return "", objectstore.NewStoreError("UploadPart", http.StatusBadRequest, objectstore.CodeInvalidArgument, errors.New("invalid part number %d", partNumber))
	}
	etag := md5ETag(data)
	up.parts[partNumber] = &storedPart{etag: etag, data: append([]byte(nil), data...)}
	return etag, nil
}

// ServeHTTP accepts PUTs to URLs presigned by this Store.
func (s *Store) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		resp.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := req.URL.Query()
	pathParts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] == "" {
		writeError(resp, http.StatusBadRequest, "InvalidRequest")
		return
	}
	bucket, key := pathParts[0], pathParts[1]

	expires, err := strconv.ParseInt(query.Get(paramExpires), 10, 64)
	if err != nil {
		writeError(resp, http.StatusForbidden, "AccessDenied")
		return
	}
	expected := s.sign(http.MethodPut, "/"+bucket+"/"+key, query)
	if !hmac.Equal([]byte(expected), []byte(query.Get(paramSignature))) {
		writeError(resp, http.StatusForbidden, "SignatureDoesNotMatch")
		return
	}
	if !s.now().Before(time.Unix(expires, 0)) {
		writeError(resp, http.StatusForbidden, "AccessDenied")
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(resp, http.StatusBadRequest, "IncompleteBody")
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	uploadID := query.Get(paramUploadID)
	var etag string
	if uploadID == "" {
		contentType := req.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		etag = md5ETag(data)
		s.objects[objectID(bucket, key)] = &object{data: data, etag: etag, contentType: contentType}
	} else {
		partNumber, err := strconv.Atoi(query.Get(paramPart))
		if err != nil {
			writeError(resp, http.StatusBadRequest, objectstore.CodeInvalidArgument)
			return
		}
		etag, err = s.putPart(bucket, key, uploadID, partNumber, data)
		if err != nil {
			writeError(resp, http.StatusNotFound, objectstore.CodeNoSuchUpload)
			return
		}
	}
	resp.Header().Set("ETag", etag)
	resp.WriteHeader(http.StatusOK)
}

func writeError(resp http.ResponseWriter, status int, code string) {
	resp.Header().Set("Content-Type", "application/xml")
	resp.WriteHeader(status)
	fmt.Fprintf(resp, "<Error><Code>%s</Code></Error>", code)
}

func md5ETag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}
