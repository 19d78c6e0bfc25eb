package serviceimpl

import (
	"context"
	"encoding/json"
	gerrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/model"
	"github.com/getlantern/upcoord/objectstore"
	"github.com/getlantern/upcoord/pathplan"
	"github.com/getlantern/upcoord/service"
	"github.com/getlantern/upcoord/sessionstore"
	"github.com/getlantern/upcoord/util"
)

var (
	log    = golog.LoggerFor("serviceimpl")
	tracer = otel.Tracer("serviceimpl")
)

const (
	DefaultSessionTTL     = 7 * 24 * time.Hour
	MaxSessionTTL         = 30 * 24 * time.Hour
	DefaultPresignTTL     = 24 * time.Hour
	DefaultCleanupTimeout = 10 * time.Second
	DefaultObjectsLimit   = 1000
)

type Opts struct {
	// The bucket that receives all uploads. Required.
	Bucket string
	// The store that receives the bytes. Required.
	ObjectStore objectstore.Store
	// The store that remembers sessions for resume. Required.
	SessionStore sessionstore.Store
	// Names new objects, defaults to a pathplan.Planner using Now
	Planner *pathplan.Planner
	// How long sessions can be resumed, defaults to 7 days
	SessionTTL time.Duration
	// How long presigned URLs are valid, defaults to 24 hours. Can't exceed 7 days.
	PresignTTL time.Duration
	// How many parts to request per ListParts call, defaults to 1000 (the most S3 returns)
	ListPartsPageSize int
	// Clock, defaults to time.Now
	Now func() time.Time
	// Bounds cleanup work that runs after the caller's context may have ended, defaults to 10 seconds
	CleanupTimeout time.Duration
	// If true, single part uploads are planned as multipart uploads like everything else
	DisableSinglePartFastPath bool
}

func (opts *Opts) ApplyDefaults() {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Planner == nil {
		opts.Planner = pathplan.New(opts.Now)
		log.Debug("Defaulted to standard path planner")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
		log.Debugf("Defaulted SessionTTL to: %v", opts.SessionTTL)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
		log.Debugf("Defaulted PresignTTL to: %v", opts.PresignTTL)
	}
	if opts.ListPartsPageSize <= 0 {
		opts.ListPartsPageSize = objectstore.MaxPartsPerPage
		log.Debugf("Defaulted ListPartsPageSize to: %d", opts.ListPartsPageSize)
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
		log.Debugf("Defaulted CleanupTimeout to: %v", opts.CleanupTimeout)
	}
}

// Service is the session manager. It holds no mutable state and is safe for concurrent use.
type Service struct {
	bucket            string
	objects           objectstore.Store
	sessions          sessionstore.Store
	planner           *pathplan.Planner
	sessionTTL        time.Duration
	presignTTL        time.Duration
	listPartsPageSize int
	now               func() time.Time
	cleanupTimeout    time.Duration
	singlePartEnabled bool
}

var _ service.Service = (*Service)(nil)

func New(opts *Opts) (*Service, error) {
	opts.ApplyDefaults()
	if opts.Bucket == "" {
		return nil, errors.New("please specify a Bucket")
	}
	if opts.ObjectStore == nil {
		return nil, errors.New("please specify an ObjectStore")
	}
	if opts.SessionStore == nil {
		return nil, errors.New("please specify a SessionStore")
	}
	if opts.SessionTTL > MaxSessionTTL {
		return nil, errors.New("SessionTTL of %v exceeds maximum of %v", opts.SessionTTL, MaxSessionTTL)
	}
	if opts.PresignTTL > objectstore.MaxPresignTTL {
		return nil, errors.New("PresignTTL of %v exceeds maximum of %v", opts.PresignTTL, objectstore.MaxPresignTTL)
	}
	if opts.ListPartsPageSize > objectstore.MaxPartsPerPage {
		return nil, errors.New("ListPartsPageSize of %d exceeds maximum of %d", opts.ListPartsPageSize, objectstore.MaxPartsPerPage)
	}
	return &Service{
		bucket:            opts.Bucket,
		objects:           opts.ObjectStore,
		sessions:          opts.SessionStore,
		planner:           opts.Planner,
		sessionTTL:        opts.SessionTTL,
		presignTTL:        opts.PresignTTL,
		listPartsPageSize: opts.ListPartsPageSize,
		now:               opts.Now,
		cleanupTimeout:    opts.CleanupTimeout,
		singlePartEnabled: !opts.DisableSinglePartFastPath,
	}, nil
}

func (srvc *Service) Plan(ctx context.Context, req *model.PlanRequest) (result *model.PlanResult, err error) {
	if req == nil {
		return nil, model.ErrInvalidArgument.Describe("missing plan request")
	}
	ctx, span := tracer.Start(ctx, "plan", trace.WithAttributes(attribute.Int("partCount", req.PartCount)))
	defer func() { endSpan(span, err) }()

	if req.PartCount < model.MinPartCount || req.PartCount > model.MaxPartCount {
		return nil, model.ErrInvalidArgument.Describe("partCount %d outside [%d, %d]", req.PartCount, model.MinPartCount, model.MaxPartCount)
	}
	key, path, err := srvc.planner.Plan(req.Path, req.Filename)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("sessionKey", key))
	contentType := req.ContentType
	if contentType == "" {
		contentType = model.DefaultContentType
	}
	now := srvc.now()
	urlsExpireAt := util.UnixMillis(now.Add(srvc.presignTTL))

	if req.PartCount == 1 && srvc.singlePartEnabled {
		u, err := srvc.objects.PresignPut(ctx, srvc.bucket, key, srvc.presignTTL)
		if err != nil {
			return nil, model.ErrStoreUnavailable.Describe("unable to presign upload").WithCause(err)
		}
		return &model.PlanResult{
			FolderID:     key,
			ContentType:  contentType,
			UploadURLs:   []model.PartURL{{PartNumber: 1, UploadURL: u}},
			URLsExpireAt: urlsExpireAt,
		}, nil
	}

	uploadID, err := srvc.objects.InitiateMultipart(ctx, srvc.bucket, key, contentType)
	if err != nil {
		return nil, model.ErrStoreUnavailable.Describe("unable to initiate multipart upload").WithCause(err)
	}
	span.SetAttributes(attribute.String("uploadId", uploadID))

	urls, err := srvc.presignParts(ctx, key, uploadID, req.PartCount)
	if err != nil {
		srvc.abortDetached(key, uploadID)
		return nil, model.ErrStoreUnavailable.Describe("unable to presign part urls").WithCause(err)
	}

	session := &model.UploadSession{
		SessionKey:  key,
		UploadID:    uploadID,
		Bucket:      srvc.bucket,
		ContentType: contentType,
		Path:        path,
		PartCount:   req.PartCount,
		PartURLs:    urls,
		CreatedAt:   util.UnixMillis(now),
		ExpiresAt:   util.UnixMillis(now.Add(srvc.sessionTTL)),
	}
	if err := session.Validate(); err != nil {
		log.Errorf("Planned invalid session for %v: %v", key, err)
		srvc.abortDetached(key, uploadID)
		return nil, err
	}

	return &model.PlanResult{
		UploadID:     uploadID,
		FolderID:     key,
		ContentType:  contentType,
		UploadURLs:   urls,
		Persisted:    srvc.persist(ctx, session),
		URLsExpireAt: urlsExpireAt,
	}, nil
}

// presignParts mints one URL per part in ascending part order.
func (srvc *Service) presignParts(ctx context.Context, key string, uploadID string, partCount int) ([]model.PartURL, error) {
	urls := make([]model.PartURL, 0, partCount)
	for partNumber := 1; partNumber <= partCount; partNumber++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.New("stopped presigning at part %d: %v", partNumber, err)
		}
		u, err := srvc.objects.PresignPartPut(ctx, srvc.bucket, key, uploadID, partNumber, srvc.presignTTL)
		if err != nil {
			return nil, errors.New("unable to presign part %d: %v", partNumber, err)
		}
		urls = append(urls, model.PartURL{PartNumber: partNumber, UploadURL: u})
	}
	return urls, nil
}

// persist records both keys of the session and reports whether that worked. A failure here
// doesn't fail the plan, the upload just can't be resumed.
func (srvc *Service) persist(ctx context.Context, session *model.UploadSession) bool {
	blob, err := json.Marshal(session)
	if err != nil {
		log.Errorf("Unable to encode session %v: %v", session.SessionKey, err)
		return false
	}
	err = srvc.sessions.PutAll(ctx, []sessionstore.Entry{
		{Key: uploadKey(session.UploadID), Value: []byte(session.SessionKey)},
		{Key: sessionKey(session.SessionKey), Value: blob},
	}, srvc.sessionTTL)
	if err != nil {
		log.Errorf("WARNING: unable to persist session %v, it will not be resumable: %v", session.SessionKey, err)
		return false
	}
	return true
}

func (srvc *Service) Status(ctx context.Context, uploadID string) (progress *model.PartProgress, err error) {
	ctx, span := tracer.Start(ctx, "status", trace.WithAttributes(attribute.String("uploadId", uploadID)))
	defer func() { endSpan(span, err) }()

	if uploadID == "" {
		return nil, model.ErrInvalidArgument.Describe("missing uploadId")
	}
	key, found, err := srvc.sessionKeyFor(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	progress = &model.PartProgress{UploadID: uploadID, Parts: []int{}, Known: found}
	if !found {
		return progress, nil
	}

	parts, err := objectstore.PagedParts(ctx, srvc.objects, srvc.bucket, key, uploadID, srvc.listPartsPageSize)
	if err != nil {
		return nil, storeFailure("unable to list parts", err)
	}
	for _, part := range parts {
		progress.Parts = append(progress.Parts, part.PartNumber)
	}
	return progress, nil
}

func (srvc *Service) Resume(ctx context.Context, key string, partNumber int) (u string, err error) {
	ctx, span := tracer.Start(ctx, "resume", trace.WithAttributes(attribute.String("sessionKey", key), attribute.Int("part", partNumber)))
	defer func() { endSpan(span, err) }()

	if key == "" {
		return "", model.ErrInvalidArgument.Describe("missing sessionKey")
	}
	session, err := srvc.loadSession(ctx, key)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", model.ErrSessionNotFound.Describe("no session for %v, please plan again", key)
	}
	return session.PartURL(partNumber)
}

func (srvc *Service) Complete(ctx context.Context, req *model.CompleteRequest) (result *model.CompleteResult, err error) {
	if req == nil {
		return nil, model.ErrInvalidArgument.Describe("missing complete request")
	}
	ctx, span := tracer.Start(ctx, "complete", trace.WithAttributes(attribute.String("sessionKey", req.SessionKey), attribute.String("uploadId", req.UploadID)))
	defer func() { endSpan(span, err) }()

	if req.SessionKey == "" || req.UploadID == "" {
		return nil, model.ErrInvalidArgument.Describe("sessionKey and uploadId are required")
	}
	session, err := srvc.loadSession(ctx, req.SessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, srvc.missingSession(ctx, req.SessionKey)
	}
	if session.UploadID != req.UploadID {
		return nil, model.ErrInvalidArgument.Describe("upload %v does not belong to session %v", req.UploadID, req.SessionKey)
	}

	parts, err := objectstore.PagedParts(ctx, srvc.objects, srvc.bucket, session.SessionKey, session.UploadID, srvc.listPartsPageSize)
	if err != nil {
		return nil, srvc.completeFailure(ctx, session, "unable to list parts", err)
	}
	if len(parts) == 0 {
		return nil, model.ErrInvalidArgument.Describe("no parts have been uploaded for %v", req.SessionKey)
	}
	if len(parts) < session.PartCount {
		log.Debugf("WARNING: completing %v with %d of %d planned parts", session.SessionKey, len(parts), session.PartCount)
	}

	etag, err := srvc.objects.CompleteMultipart(ctx, srvc.bucket, session.SessionKey, session.UploadID, parts)
	if err != nil {
		return nil, srvc.completeFailure(ctx, session, "unable to complete multipart upload", err)
	}
	srvc.forget(session.SessionKey, session.UploadID)
	log.Debugf("Completed %v with %d parts", session.SessionKey, len(parts))
	return &model.CompleteResult{
		SessionKey: session.SessionKey,
		UploadID:   session.UploadID,
		ETag:       etag,
		Parts:      len(parts),
	}, nil
}

// missingSession explains why there's no session for key. If the object exists, the upload was
// completed earlier.
func (srvc *Service) missingSession(ctx context.Context, key string) error {
	exists, err := srvc.objectExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return model.ErrAlreadyCompleted.Describe("%v was already completed", key)
	}
	return model.ErrSessionNotFound.Describe("no session for %v", key)
}

// completeFailure translates a store failure during complete. The session is left in place so
// that the caller can retry, unless the store has already committed the object.
func (srvc *Service) completeFailure(ctx context.Context, session *model.UploadSession, description string, err error) error {
	if objectstore.IsNoSuchUpload(err) {
		exists, statErr := srvc.objectExists(ctx, session.SessionKey)
		if statErr == nil && exists {
			srvc.forget(session.SessionKey, session.UploadID)
			return model.ErrAlreadyCompleted.Describe("%v was already completed", session.SessionKey)
		}
	}
	return storeFailure(description, err)
}

func (srvc *Service) Abort(ctx context.Context, uploadID string) (err error) {
	ctx, span := tracer.Start(ctx, "abort", trace.WithAttributes(attribute.String("uploadId", uploadID)))
	defer func() { endSpan(span, err) }()

	if uploadID == "" {
		return model.ErrInvalidArgument.Describe("missing uploadId")
	}
	key, found, err := srvc.sessionKeyFor(ctx, uploadID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	err = srvc.objects.AbortMultipart(ctx, srvc.bucket, key, uploadID)
	if err != nil {
		return storeFailure("unable to abort multipart upload", err)
	}
	srvc.forget(key, uploadID)
	log.Debugf("Aborted %v", key)
	return nil
}

func (srvc *Service) State(ctx context.Context, key string, uploadID string) (state model.State, err error) {
	ctx, span := tracer.Start(ctx, "state", trace.WithAttributes(attribute.String("sessionKey", key), attribute.String("uploadId", uploadID)))
	defer func() {
		span.SetAttributes(attribute.String("state", string(state)))
		endSpan(span, err)
	}()

	if key == "" {
		return "", model.ErrInvalidArgument.Describe("missing sessionKey")
	}
	session, err := srvc.loadSession(ctx, key)
	if err != nil {
		return "", err
	}

	if session != nil {
		if uploadID != "" && uploadID != session.UploadID {
			return "", model.ErrInvalidArgument.Describe("upload %v does not belong to session %v", uploadID, key)
		}
		page, err := srvc.objects.ListParts(ctx, srvc.bucket, key, session.UploadID, 1, 0)
		switch {
		case objectstore.IsNoSuchUpload(err):
			return srvc.finishedState(ctx, key)
		case err != nil:
			return "", storeFailure("unable to list parts", err)
		case len(page.Parts) > 0:
			return model.StateInProgress, nil
		default:
			return model.StatePlanned, nil
		}
	}

	exists, err := srvc.objectExists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return model.StateCompleted, nil
	}
	if uploadID == "" {
		return "", model.ErrSessionNotFound.Describe("no session for %v", key)
	}
	_, err = srvc.objects.ListParts(ctx, srvc.bucket, key, uploadID, 1, 0)
	switch {
	case objectstore.IsNoSuchUpload(err):
		return model.StateAborted, nil
	case err != nil:
		return "", storeFailure("unable to list parts", err)
	default:
		// the store still knows the upload but we've forgotten it
		return model.StateExpired, nil
	}
}

// finishedState tells completed from aborted uploads once the store has forgotten the upload.
func (srvc *Service) finishedState(ctx context.Context, key string) (model.State, error) {
	exists, err := srvc.objectExists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return model.StateCompleted, nil
	}
	return model.StateAborted, nil
}

func (srvc *Service) Objects(ctx context.Context, day string, maxKeys int) (keys []string, err error) {
	ctx, span := tracer.Start(ctx, "objects", trace.WithAttributes(attribute.String("day", day)))
	defer func() { endSpan(span, err) }()

	t, err := util.ParseDay(day)
	if err != nil {
		return nil, model.ErrInvalidArgument.Describe("day must look like %v", util.DayLayout).WithCause(err)
	}
	if maxKeys <= 0 || maxKeys > DefaultObjectsLimit {
		maxKeys = DefaultObjectsLimit
	}
	keys, err = srvc.objects.ListObjects(ctx, srvc.bucket, srvc.planner.DayPrefix(t), maxKeys)
	if err != nil {
		return nil, storeFailure("unable to list objects", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// sessionKeyFor looks up the session key for an upload id.
func (srvc *Service) sessionKeyFor(ctx context.Context, uploadID string) (string, bool, error) {
	value, found, err := srvc.sessions.Get(ctx, uploadKey(uploadID))
	if err != nil {
		return "", false, model.ErrStoreUnavailable.Describe("session store unavailable").WithCause(err)
	}
	return string(value), found, nil
}

// loadSession returns the unexpired session stored at key, or nil if there is none.
func (srvc *Service) loadSession(ctx context.Context, key string) (*model.UploadSession, error) {
	blob, found, err := srvc.sessions.Get(ctx, sessionKey(key))
	if err != nil {
		return nil, model.ErrStoreUnavailable.Describe("session store unavailable").WithCause(err)
	}
	if !found {
		return nil, nil
	}
	session := &model.UploadSession{}
	if err := json.Unmarshal(blob, session); err != nil {
		log.Errorf("Unable to decode session %v: %v", key, err)
		return nil, model.ErrInternal.Describe("corrupt session for %v", key).WithCause(err)
	}
	if session.Expired(srvc.now()) {
		return nil, nil
	}
	return session, nil
}

func (srvc *Service) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := srvc.objects.StatObject(ctx, srvc.bucket, key)
	if err == nil {
		return true, nil
	}
	if objectstore.IsNoSuchKey(err) {
		return false, nil
	}
	return false, storeFailure("unable to check for object", err)
}

// forget deletes both keys of a session. It runs detached from the caller's context because
// it follows a step that can't be undone.
func (srvc *Service) forget(key string, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), srvc.cleanupTimeout)
	defer cancel()
	if err := srvc.sessions.Delete(ctx, uploadKey(uploadID), sessionKey(key)); err != nil {
		log.Errorf("Unable to delete session %v: %v", key, err)
	}
}

// abortDetached makes a best-effort attempt to abort an upload that couldn't be fully planned.
func (srvc *Service) abortDetached(key string, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), srvc.cleanupTimeout)
	defer cancel()
	if err := srvc.objects.AbortMultipart(ctx, srvc.bucket, key, uploadID); err != nil {
		log.Errorf("Unable to abort partially planned upload %v: %v", key, err)
	}
}

// storeFailure classifies an object store error as StoreUnavailable (retryable) or
// StoreRejected.
func storeFailure(description string, err error) error {
	var typed *model.Error
	if gerrors.As(err, &typed) {
		return typed
	}
	if objectstore.IsRetryableError(err) || gerrors.Is(err, context.Canceled) {
		return model.ErrStoreUnavailable.Describe(description).WithCause(err)
	}
	return model.ErrStoreRejected.Describe(description).WithCause(err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, model.KindOf(err).String())
	}
	span.End()
}
