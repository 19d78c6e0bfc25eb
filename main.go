package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/upcoord/config"
	"github.com/getlantern/upcoord/objectstore"
	objmemstore "github.com/getlantern/upcoord/objectstore/memstore"
	"github.com/getlantern/upcoord/objectstore/miniostore"
	"github.com/getlantern/upcoord/objectstore/s3store"
	"github.com/getlantern/upcoord/service/serviceimpl"
	"github.com/getlantern/upcoord/sessionstore"
	sessmemstore "github.com/getlantern/upcoord/sessionstore/memstore"
	"github.com/getlantern/upcoord/sessionstore/redisstore"
	"github.com/getlantern/upcoord/telemetry"
	"github.com/getlantern/upcoord/web"
)

var (
	log = golog.LoggerFor("upcoord")
)

const (
	// memory object store URLs are served under this path
	objectsPath = "/objects"

	redisNamespace = "upcoord:"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	stopTelemetry := telemetry.Start("upcoord", os.Getenv)
	defer stopTelemetry()

	if cfg.PprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(cfg.PprofAddr, nil))
		}()
	}

	log.Debugf("Using web timeout of %v", cfg.WebTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, objectsHandler, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("unable to start object store: %v", err)
	}
	sessions, err := newSessionStore(cfg)
	if err != nil {
		log.Fatalf("unable to start session store: %v", err)
	}
	defer sessions.Close()

	srvc, err := serviceimpl.New(&serviceimpl.Opts{
		Bucket:       cfg.StoreBucket,
		ObjectStore:  objects,
		SessionStore: sessions,
		SessionTTL:   cfg.SessionTTL,
		PresignTTL:   cfg.PresignTTL,
	})
	if err != nil {
		log.Fatalf("unable to create service: %v", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      routes(web.NewHandler(srvc, cfg.WebTimeout), objectsHandler),
		ReadTimeout:  cfg.WebTimeout,
		WriteTimeout: cfg.WebTimeout,
	}
	go func() {
		<-ctx.Done()
		log.Debug("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WebTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("unable to shut down cleanly: %v", err)
		}
	}()

	log.Debugf("Listening on %v", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// newObjectStore connects to the configured object store. For the memory backend it also
// returns the handler that accepts uploads to its presigned URLs.
func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, http.Handler, error) {
	switch cfg.StoreBackend {
	case config.BackendMinio:
		log.Debugf("Using minio object store at %v", cfg.StoreEndpoint)
		s, err := miniostore.New(&miniostore.Opts{
			Endpoint:  cfg.StoreEndpoint,
			AccessKey: cfg.StoreAccessKey,
			SecretKey: cfg.StoreSecretKey,
			Region:    cfg.StoreRegion,
		})
		return s, nil, err
	case config.BackendS3:
		log.Debugf("Using s3 object store in %v", cfg.StoreRegion)
		s, err := s3store.New(ctx, &s3store.Opts{
			Endpoint:  cfg.StoreEndpoint,
			Region:    cfg.StoreRegion,
			AccessKey: cfg.StoreAccessKey,
			SecretKey: cfg.StoreSecretKey,
		})
		return s, nil, err
	case config.BackendMemory:
		log.Debug("WARNING: using in-memory object store, uploads will be lost on restart")
		s := objmemstore.New(&objmemstore.Opts{BaseURL: cfg.PublicURL + objectsPath})
		return s, http.StripPrefix(objectsPath, s), nil
	default:
		return nil, nil, errors.New("unknown object store backend %v", cfg.StoreBackend)
	}
}

func newSessionStore(cfg *config.Config) (sessionstore.Store, error) {
	if cfg.SessionStoreURL == config.SessionStoreMemory {
		log.Debug("WARNING: using in-memory session store, sessions will be lost on restart")
		return sessmemstore.New(0, nil)
	}
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	log.Debugf("Connecting to redis at %v", redisOpts.Addr)
	return redisstore.New(redis.NewClient(redisOpts), redisNamespace), nil
}

// routes serves the API, plus objectsHandler under objectsPath when there is one.
func routes(api http.Handler, objectsHandler http.Handler) http.Handler {
	if objectsHandler == nil {
		return api
	}
	mux := http.NewServeMux()
	mux.Handle(objectsPath+"/", objectsHandler)
	mux.Handle("/", api)
	return mux
}
