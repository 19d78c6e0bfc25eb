package testsupport

import (
	"context"
	gerrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/model"
	objmemstore "github.com/getlantern/upcoord/objectstore/memstore"
	"github.com/getlantern/upcoord/service"
	"github.com/getlantern/upcoord/sessionstore"
	sessmemstore "github.com/getlantern/upcoord/sessionstore/memstore"
	"github.com/getlantern/upcoord/util"
)

const (
	Bucket = "uploads"
)

var (
	keyPattern = regexp.MustCompile(`^files/\d{4}-\d{2}-\d{2}/[0-9a-f-]{36}/report\.pdf$`)
)

// Clock is a fake clock that only moves when told to.
type Clock struct {
	now time.Time
	mx  sync.Mutex
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 23, 10, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

// Backends are in-memory stores sharing a fake clock. The object store is served over HTTP so
// that the URLs it presigns can actually be used.
type Backends struct {
	Clock    *Clock
	Objects  *objmemstore.Store
	Sessions sessionstore.Store
}

func NewBackends(t *testing.T) *Backends {
	clock := NewClock()
	objects := objmemstore.New(&objmemstore.Opts{Now: clock.Now})
	server := httptest.NewServer(objects)
	t.Cleanup(server.Close)
	objects.SetBaseURL(server.URL)

	sessions, err := sessmemstore.New(0, clock.Now)
	require.NoError(t, err)
	return &Backends{
		Clock:    clock,
		Objects:  objects,
		Sessions: sessions,
	}
}

// Upload PUTs data to a presigned URL.
func Upload(t *testing.T, u string, data string) {
	UploadWithContentType(t, u, data, "")
}

// UploadWithContentType PUTs data to a presigned URL with the given Content-Type header, if any.
func UploadWithContentType(t *testing.T, u string, data string, contentType string) {
	req, err := http.NewRequest(http.MethodPut, u, strings.NewReader(data))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// RequireKind checks that err is a *model.Error of the given kind.
func RequireKind(t *testing.T, err error, kind model.Kind) {
	require.Error(t, err)
	var typed *model.Error
	require.True(t, gerrors.As(err, &typed), "expected a *model.Error, got %v", err)
	require.Equal(t, kind, typed.Kind, "%v", err)
}

// requireSameTarget checks that every URL points at the same object and upload, differing only in
// partNumber.
func requireSameTarget(t *testing.T, uploadID string, urls []model.PartURL) {
	require.NotEmpty(t, urls)
	first, err := url.Parse(urls[0].UploadURL)
	require.NoError(t, err)
	for _, part := range urls {
		u, err := url.Parse(part.UploadURL)
		require.NoError(t, err)
		require.Equal(t, first.Scheme, u.Scheme)
		require.Equal(t, first.Host, u.Host)
		require.Equal(t, first.Path, u.Path)
		require.Equal(t, uploadID, u.Query().Get("uploadId"))
		require.Equal(t, strconv.Itoa(part.PartNumber), u.Query().Get("partNumber"))
	}
}

func partNumbers(urls []model.PartURL) []int {
	numbers := make([]int, 0, len(urls))
	for _, u := range urls {
		numbers = append(numbers, u.PartNumber)
	}
	return numbers
}

func sequence(from, to int) []int {
	result := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		result = append(result, i)
	}
	return result
}

// TestService runs a comprehensive test of the service API against srvc, which must be using
// the given backends, the backends' clock and Bucket.
func TestService(t *testing.T, b *Backends, srvc service.Service) {
	ctx := context.Background()

	plan := func(t *testing.T, path string, filename string, partCount int, contentType string) *model.PlanResult {
		result, err := srvc.Plan(ctx, &model.PlanRequest{Path: path, Filename: filename, PartCount: partCount, ContentType: contentType})
		require.NoError(t, err)
		return result
	}

	t.Run("single part fast path", func(t *testing.T) {
		result := plan(t, "/docs//2024", "report.pdf", 1, "")
		require.True(t, result.SinglePart())
		require.Empty(t, result.UploadID)
		require.Len(t, result.UploadURLs, 1)
		require.Regexp(t, keyPattern, result.FolderID)
		require.Equal(t, model.DefaultContentType, result.ContentType)

		Upload(t, result.UploadURLs[0].UploadURL, "the report")
		data, _, found := b.Objects.Object(Bucket, result.FolderID)
		require.True(t, found)
		require.Equal(t, "the report", string(data))
	})

	t.Run("single part content type comes from the upload", func(t *testing.T) {
		result := plan(t, "docs", "report.pdf", 1, "application/pdf")
		require.True(t, result.SinglePart())
		require.Equal(t, "application/pdf", result.ContentType)

		UploadWithContentType(t, result.UploadURLs[0].UploadURL, "%PDF", result.ContentType)
		_, contentType, found := b.Objects.Object(Bucket, result.FolderID)
		require.True(t, found)
		require.Equal(t, "application/pdf", contentType)

		// nothing in the URL pins the type, so a client that drops the header gets the store default
		other := plan(t, "docs", "report.pdf", 1, "application/pdf")
		Upload(t, other.UploadURLs[0].UploadURL, "%PDF")
		_, contentType, found = b.Objects.Object(Bucket, other.FolderID)
		require.True(t, found)
		require.Equal(t, model.DefaultContentType, contentType)
	})

	t.Run("five part happy path", func(t *testing.T) {
		result := plan(t, "uploads", "video.mp4", 5, "video/mp4")
		require.NotEmpty(t, result.UploadID)
		require.True(t, result.Persisted)
		require.Equal(t, sequence(1, 5), partNumbers(result.UploadURLs))
		requireSameTarget(t, result.UploadID, result.UploadURLs)
		require.Equal(t, util.UnixMillis(b.Clock.Now().Add(24*time.Hour)), result.URLsExpireAt)

		var expected string
		for _, u := range result.UploadURLs {
			data := strings.Repeat(string(rune('a'+u.PartNumber)), u.PartNumber)
			expected += data
			Upload(t, u.UploadURL, data)
		}

		progress, err := srvc.Status(ctx, result.UploadID)
		require.NoError(t, err)
		require.True(t, progress.Known)
		require.Equal(t, sequence(1, 5), progress.Parts)

		completed, err := srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		require.NoError(t, err)
		require.Equal(t, 5, completed.Parts)
		require.NotEmpty(t, completed.ETag)

		data, contentType, found := b.Objects.Object(Bucket, result.FolderID)
		require.True(t, found)
		require.Equal(t, expected, string(data))
		require.Equal(t, "video/mp4", contentType)

		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		RequireKind(t, err, model.KindAlreadyCompleted)

		progress, err = srvc.Status(ctx, result.UploadID)
		require.NoError(t, err)
		require.False(t, progress.Known)
		require.Empty(t, progress.Parts, "completed uploads never report progress")
	})

	t.Run("resume after crash", func(t *testing.T) {
		result := plan(t, "uploads", "big.bin", 10, "")
		for _, part := range []int{1, 2, 3, 5} {
			Upload(t, result.UploadURLs[part-1].UploadURL, "x")
		}

		// a new client only knows the identifiers
		progress, err := srvc.Status(ctx, result.UploadID)
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3, 5}, progress.Parts)

		u4, err := srvc.Resume(ctx, result.FolderID, 4)
		require.NoError(t, err)
		require.Equal(t, result.UploadURLs[3].UploadURL, u4)
		Upload(t, u4, "x")
		for part := 6; part <= 10; part++ {
			u, err := srvc.Resume(ctx, result.FolderID, part)
			require.NoError(t, err)
			require.Equal(t, result.UploadURLs[part-1].UploadURL, u)
			Upload(t, u, "x")
		}

		_, err = srvc.Resume(ctx, result.FolderID, 0)
		RequireKind(t, err, model.KindInvalidArgument)
		_, err = srvc.Resume(ctx, result.FolderID, 11)
		RequireKind(t, err, model.KindInvalidArgument)

		completed, err := srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		require.NoError(t, err)
		require.Equal(t, 10, completed.Parts)
	})

	t.Run("expired session", func(t *testing.T) {
		result := plan(t, "uploads", "stale.bin", 3, "")
		Upload(t, result.UploadURLs[0].UploadURL, "x")

		b.Clock.Advance(8 * 24 * time.Hour)

		_, err := srvc.Resume(ctx, result.FolderID, 1)
		RequireKind(t, err, model.KindSessionNotFound)
		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		RequireKind(t, err, model.KindSessionNotFound)

		state, err := srvc.State(ctx, result.FolderID, result.UploadID)
		require.NoError(t, err)
		require.Equal(t, model.StateExpired, state)
	})

	t.Run("presign failure rollback", func(t *testing.T) {
		before := b.Objects.Uploads()
		b.Objects.FailPresignAt(7, gerrors.New("presign failed"))
		defer b.Objects.FailPresignAt(7, nil)

		_, err := srvc.Plan(ctx, &model.PlanRequest{Path: "uploads", Filename: "doomed.bin", PartCount: 10})
		RequireKind(t, err, model.KindStoreUnavailable)
		require.Equal(t, before, b.Objects.Uploads(), "partially planned upload should have been aborted")
	})

	t.Run("path normalization", func(t *testing.T) {
		result := plan(t, "///a//b///", "x.bin", 1, "")
		require.True(t, strings.HasPrefix(result.FolderID, "files/"))
		require.True(t, strings.HasSuffix(result.FolderID, "/x.bin"))
		require.NotContains(t, result.FolderID, "a/b")
		require.Len(t, strings.Split(result.FolderID, "/"), 4)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		for _, partCount := range []int{0, -1, model.MaxPartCount + 1} {
			_, err := srvc.Plan(ctx, &model.PlanRequest{Filename: "x.bin", PartCount: partCount})
			RequireKind(t, err, model.KindInvalidArgument)
		}
		_, err := srvc.Plan(ctx, &model.PlanRequest{Filename: "", PartCount: 2})
		RequireKind(t, err, model.KindInvalidArgument)
		_, err = srvc.Plan(ctx, &model.PlanRequest{Filename: "a/b", PartCount: 2})
		RequireKind(t, err, model.KindInvalidArgument)

		_, err = srvc.Resume(ctx, "files/2024-03-23/nope/x.bin", 1)
		RequireKind(t, err, model.KindSessionNotFound)
		_, err = srvc.Objects(ctx, "yesterday", 0)
		RequireKind(t, err, model.KindInvalidArgument)
	})

	t.Run("unknown upload has empty progress", func(t *testing.T) {
		progress, err := srvc.Status(ctx, "never-planned")
		require.NoError(t, err)
		require.False(t, progress.Known)
		require.Empty(t, progress.Parts)
	})

	t.Run("abort is idempotent", func(t *testing.T) {
		result := plan(t, "uploads", "abandoned.bin", 3, "")
		Upload(t, result.UploadURLs[0].UploadURL, "x")

		require.NoError(t, srvc.Abort(ctx, result.UploadID))
		require.NoError(t, srvc.Abort(ctx, result.UploadID))

		progress, err := srvc.Status(ctx, result.UploadID)
		require.NoError(t, err)
		require.False(t, progress.Known)

		state, err := srvc.State(ctx, result.FolderID, result.UploadID)
		require.NoError(t, err)
		require.Equal(t, model.StateAborted, state)

		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		RequireKind(t, err, model.KindSessionNotFound)
	})

	t.Run("state machine", func(t *testing.T) {
		result := plan(t, "uploads", "states.bin", 2, "")
		state, err := srvc.State(ctx, result.FolderID, result.UploadID)
		require.NoError(t, err)
		require.Equal(t, model.StatePlanned, state)

		Upload(t, result.UploadURLs[1].UploadURL, "second")
		state, err = srvc.State(ctx, result.FolderID, "")
		require.NoError(t, err)
		require.Equal(t, model.StateInProgress, state)

		_, err = srvc.State(ctx, result.FolderID, "some-other-upload")
		RequireKind(t, err, model.KindInvalidArgument)

		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		require.NoError(t, err)
		state, err = srvc.State(ctx, result.FolderID, result.UploadID)
		require.NoError(t, err)
		require.Equal(t, model.StateCompleted, state)

		keys, err := srvc.Objects(ctx, util.Day(b.Clock.Now()), 0)
		require.NoError(t, err)
		require.Contains(t, keys, result.FolderID)
	})

	t.Run("complete uses reported part numbers", func(t *testing.T) {
		result := plan(t, "uploads", "gaps.bin", 4, "")
		Upload(t, result.UploadURLs[0].UploadURL, "one,")
		Upload(t, result.UploadURLs[2].UploadURL, "three")

		completed, err := srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		require.NoError(t, err)
		require.Equal(t, 2, completed.Parts)
		data, _, _ := b.Objects.Object(Bucket, result.FolderID)
		require.Equal(t, "one,three", string(data))
	})

	t.Run("complete preconditions", func(t *testing.T) {
		result := plan(t, "uploads", "empty.bin", 2, "")
		_, err := srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: result.UploadID})
		RequireKind(t, err, model.KindInvalidArgument)

		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID, UploadID: "not-" + result.UploadID})
		RequireKind(t, err, model.KindInvalidArgument)

		_, err = srvc.Complete(ctx, &model.CompleteRequest{SessionKey: result.FolderID})
		RequireKind(t, err, model.KindInvalidArgument)

		// still resumable after failed completes
		u, err := srvc.Resume(ctx, result.FolderID, 2)
		require.NoError(t, err)
		require.Equal(t, result.UploadURLs[1].UploadURL, u)
		require.NoError(t, srvc.Abort(ctx, result.UploadID))
	})

	t.Run("every plan gets a fresh key", func(t *testing.T) {
		first := plan(t, "same", "same.bin", 2, "")
		second := plan(t, "same", "same.bin", 2, "")
		require.NotEqual(t, first.FolderID, second.FolderID)
		require.NotEqual(t, first.UploadID, second.UploadID)
		require.NoError(t, srvc.Abort(ctx, first.UploadID))
		require.NoError(t, srvc.Abort(ctx, second.UploadID))
	})
}
