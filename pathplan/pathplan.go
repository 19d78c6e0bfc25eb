// Package pathplan names the objects that uploads end up in.
//
// Keys have the form files/<YYYY-MM-DD>/<uuid-v4>/<filename>. The date partition keeps
// listings and lifecycle rules cheap, the uuid makes every key unique even when filenames
// collide, and the filename stays visible as the last path segment.
package pathplan

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getlantern/uuid"

	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/util"
)

const (
	// KeyRoot is the first segment of every key
	KeyRoot = "files"

	// MaxFilenameBytes is the longest filename (in UTF-8 bytes) we accept
	MaxFilenameBytes = 512
)

var (
	slashRuns = regexp.MustCompile(`/+`)
)

// Planner generates object keys.
type Planner struct {
	now   func() time.Time
	newID func() (string, error)
}

// New constructs a Planner that dates keys using the given clock (time.Now if nil).
func New(now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{
		now: now,
		newID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
}

// Plan returns a fresh object key for the given filename along with the normalized form of
// logicalPath. The logical path never ends up in the key.
func (p *Planner) Plan(logicalPath string, filename string) (key string, normalizedPath string, err error) {
	if err := ValidateFilename(filename); err != nil {
		return "", "", err
	}
	id, err := p.newID()
	if err != nil {
		return "", "", model.ErrInternal.Describe("unable to generate object id").WithCause(err)
	}
	return p.DayPrefix(p.now()) + id + "/" + filename, NormalizePath(logicalPath), nil
}

// DayPrefix returns the prefix shared by all keys planned on the day containing t (UTC).
func (p *Planner) DayPrefix(t time.Time) string {
	return KeyRoot + "/" + util.Day(t) + "/"
}

// NormalizePath collapses runs of slashes and strips leading and trailing slashes.
func NormalizePath(logicalPath string) string {
	return strings.Trim(slashRuns.ReplaceAllString(logicalPath, "/"), "/")
}

// ValidateFilename checks that filename can be used as the last segment of a key.
func ValidateFilename(filename string) error {
	switch {
	case filename == "":
		return model.ErrInvalidArgument.Describe("filename must not be empty")
	case strings.Contains(filename, "/"):
		return model.ErrInvalidArgument.Describe("filename must not contain '/'")
	case len(filename) > MaxFilenameBytes:
		return model.ErrInvalidArgument.Describe("filename is %d bytes, limit is %d", len(filename), MaxFilenameBytes)
	case !utf8.ValidString(filename):
		return model.ErrInvalidArgument.Describe("filename must be valid UTF-8")
	case filename == "." || filename == "..":
		return model.ErrInvalidArgument.Describe("filename must not be a relative path element")
	}
	return nil
}
