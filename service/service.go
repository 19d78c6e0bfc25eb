package service

import (
	"context"

	"github.com/getlantern/upcoord/model"
)

// Service coordinates multipart uploads to an S3-compatible object store. Clients upload bytes
// directly to the store with presigned URLs; the Service only plans, tracks and completes
// uploads.
//
// All errors returned by a Service are *model.Error.
type Service interface {
	// Plan names a new object, initiates a multipart upload for it and returns one presigned
	// URL per part. Uploads with a single part get a plain presigned PUT instead and need no
	// completion.
	Plan(ctx context.Context, req *model.PlanRequest) (*model.PlanResult, error)

	// Status returns the parts the store has received for the given upload. Unknown uploads
	// have empty progress.
	Status(ctx context.Context, uploadID string) (*model.PartProgress, error)

	// Resume returns the URL that was minted at plan time for the given part.
	Resume(ctx context.Context, sessionKey string, partNumber int) (string, error)

	// Complete commits whatever parts the store has received and forgets the session.
	Complete(ctx context.Context, req *model.CompleteRequest) (*model.CompleteResult, error)

	// Abort discards an upload and its session. Aborting an unknown upload succeeds.
	Abort(ctx context.Context, uploadID string) error

	// State derives the lifecycle state of an upload.
	State(ctx context.Context, sessionKey string, uploadID string) (model.State, error)

	// Objects lists committed objects planned on the given UTC day (YYYY-MM-DD).
	Objects(ctx context.Context, day string, maxKeys int) ([]string, error)
}
