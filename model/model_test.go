package model

import (
	"encoding/json"
	gerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/upcoord/util"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := ErrSessionNotFound.Describe("no session for %v", "abc")
	require.True(t, gerrors.Is(err, ErrSessionNotFound))
	require.False(t, gerrors.Is(err, ErrAlreadyCompleted))
	require.Equal(t, "SessionNotFound|no session for abc", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, KindSessionNotFound, KindOf(wrapped))
	require.True(t, gerrors.Is(wrapped, ErrSessionNotFound))
}

func TestErrorCause(t *testing.T) {
	cause := gerrors.New("connection refused")
	err := ErrStoreUnavailable.WithCause(cause)
	require.True(t, gerrors.Is(err, cause))
	require.Equal(t, "StoreUnavailable|object store unavailable: connection refused", err.Error())
	require.Nil(t, ErrStoreUnavailable.Cause, "sentinel must not be mutated")
	require.True(t, KindOf(err).Retryable())
	require.False(t, KindStoreRejected.Retryable())
}

func TestTypedError(t *testing.T) {
	require.Equal(t, KindInternal, TypedError(gerrors.New("boom")).Kind)
	require.EqualValues(t, ErrInvalidArgument, TypedError(ErrInvalidArgument))
	require.Equal(t, KindInternal, KindOf(nil))
}

func TestKindNames(t *testing.T) {
	for k := KindInternal; k <= KindAlreadyCompleted; k++ {
		require.Equal(t, k, KindFromString(k.String()))
	}
	require.Equal(t, KindInternal, KindFromString("bogus"))
	require.Equal(t, "Kind(99)", Kind(99).String())
}

func partURL(partNumber int) string {
	return fmt.Sprintf("https://store/bucket/files/video.mp4?partNumber=%d&uploadId=upload&X-Amz-Signature=s%d", partNumber, partNumber)
}

func buildSession(partCount int) *UploadSession {
	s := &UploadSession{
		SessionKey:  "files/2024-03-23/0b8d3c1e-5f7b-4a53-9a0c-2b0a1f2e3d4c/video.mp4",
		UploadID:    "upload",
		Bucket:      "bucket",
		ContentType: "video/mp4",
		PartCount:   partCount,
	}
	for i := 1; i <= partCount; i++ {
		s.PartURLs = append(s.PartURLs, PartURL{PartNumber: i, UploadURL: partURL(i)})
	}
	return s
}

func TestSessionValidate(t *testing.T) {
	s := buildSession(3)
	require.NoError(t, s.Validate())

	s.PartURLs[1].PartNumber = 3
	require.Error(t, s.Validate())

	s = buildSession(3)
	s.PartURLs = s.PartURLs[:2]
	require.Error(t, s.Validate())

	s = buildSession(3)
	s.UploadID = ""
	require.Error(t, s.Validate())
}

func TestSessionValidateSameTarget(t *testing.T) {
	for name, u := range map[string]string{
		"other host":        "https://elsewhere/bucket/files/video.mp4?partNumber=2&uploadId=upload",
		"other scheme":      "http://store/bucket/files/video.mp4?partNumber=2&uploadId=upload",
		"other key":         "https://store/bucket/files/other.mp4?partNumber=2&uploadId=upload",
		"other upload":      "https://store/bucket/files/video.mp4?partNumber=2&uploadId=another",
		"wrong part number": "https://store/bucket/files/video.mp4?partNumber=3&uploadId=upload",
		"no part number":    "https://store/bucket/files/video.mp4?uploadId=upload",
		"unparseable":       "https://store/%zz",
	} {
		s := buildSession(3)
		s.PartURLs[1].UploadURL = u
		require.Error(t, s.Validate(), name)
	}
}

func TestSessionPartURL(t *testing.T) {
	s := buildSession(5)
	u, err := s.PartURL(4)
	require.NoError(t, err)
	require.Equal(t, partURL(4), u)

	for _, bad := range []int{0, -1, 6} {
		_, err = s.PartURL(bad)
		require.True(t, gerrors.Is(err, ErrInvalidArgument), "part %d", bad)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := buildSession(1)
	s.ExpiresAt = util.UnixMillis(now.Add(time.Hour))
	require.False(t, s.Expired(now))
	require.True(t, s.Expired(now.Add(time.Hour)))
}

func TestSessionJSONLayout(t *testing.T) {
	b, err := json.Marshal(buildSession(2))
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "upload", raw["uploadId"])
	require.EqualValues(t, 2, raw["partCount"])
	urls := raw["uploadUrls"].([]interface{})
	require.Len(t, urls, 2)
	require.EqualValues(t, 1, urls[0].(map[string]interface{})["part"])
	require.Equal(t, partURL(1), urls[0].(map[string]interface{})["uploadUrl"])
}

func TestPlanResultJSONSinglePart(t *testing.T) {
	r := &PlanResult{
		FolderID:    "files/2024-03-23/id/report.pdf",
		ContentType: DefaultContentType,
		UploadURLs:  []PartURL{{PartNumber: 1, UploadURL: "https://store/put"}},
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	_, hasUploadID := raw["uploadId"]
	require.False(t, hasUploadID)
	require.Equal(t, []interface{}{"https://store/put"}, raw["uploadUrls"])

	var decoded PlanResult
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, *r, decoded)
	require.True(t, decoded.SinglePart())
}

func TestPlanResultJSONMultipart(t *testing.T) {
	r := &PlanResult{
		UploadID:   "upload",
		FolderID:   "files/2024-03-23/id/video.mp4",
		UploadURLs: buildSession(3).PartURLs,
		Persisted:  true,
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded PlanResult
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, *r, decoded)
	require.False(t, decoded.SinglePart())
}

func TestPartProgressContains(t *testing.T) {
	p := &PartProgress{Parts: []int{1, 2, 3, 5}}
	require.True(t, p.Contains(5))
	require.False(t, p.Contains(4))
}
