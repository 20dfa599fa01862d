// Package app wires the chunkindex server: store, importer, compiler
// controllers, fan-out, archive mirror and the HTTP and gRPC front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	grpcapi "github.com/arkilian/chunkindex/internal/api/grpc"
	httpapi "github.com/arkilian/chunkindex/internal/api/http"
	"github.com/arkilian/chunkindex/internal/archive"
	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunksync"
	"github.com/arkilian/chunkindex/internal/compiler"
	"github.com/arkilian/chunkindex/internal/config"
	"github.com/arkilian/chunkindex/internal/fanout"
	"github.com/arkilian/chunkindex/internal/importer"
	"github.com/arkilian/chunkindex/internal/queue"
	"github.com/arkilian/chunkindex/internal/server"
	"github.com/arkilian/chunkindex/internal/status"
	"github.com/arkilian/chunkindex/internal/storage"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/internal/worker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// App manages the server lifecycle.
type App struct {
	cfg *config.Config

	store       *store.Store
	importer    *importer.Importer
	importPool  *worker.Pool
	compilePool *worker.Pool
	registry    *status.Registry
	fanout      *fanout.Handler
	mirror      *archive.Mirror
	controllers []*queue.Controller

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	shutdown *server.Manager
	group    *errgroup.Group

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start opens the store and starts every service.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)
	a.group, ctx = errgroup.WithContext(ctx)
	a.shutdown = server.NewManager(a.cfg.HTTP.WriteTimeout)

	if err := a.initCore(ctx); err != nil {
		a.abort()
		return err
	}
	if err := a.startCompilers(ctx); err != nil {
		a.abort()
		return err
	}
	if err := a.startHTTP(ctx); err != nil {
		a.abort()
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.abort()
			return err
		}
	}

	log.Printf("chunkindex started (data_dir=%s buckets=%d)", a.cfg.DataDir, a.cfg.Buckets)
	return nil
}

func (a *App) initCore(ctx context.Context) error {
	var err error
	a.store, err = store.Open(a.cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	a.shutdown.Register("store", a.store)

	a.importer = importer.New(a.store, a.cfg.Buckets)
	if err := a.importer.Lookups().Load(ctx, a.store); err != nil {
		return fmt.Errorf("failed to load lookups: %w", err)
	}

	a.registry = status.NewRegistry()
	a.importPool = worker.NewPool("import", a.cfg.Import.Pool)
	a.compilePool = worker.NewPool("compile", a.cfg.Compile.Pool)
	a.shutdown.Register("import pool", server.CloserFunc(func() error { a.importPool.Close(); return nil }))
	a.shutdown.Register("compile pool", server.CloserFunc(func() error { a.compilePool.Close(); return nil }))
	// Pending retries give up once the app context ends.
	a.shutdown.Register("context", server.CloserFunc(func() error { a.cancel(); return nil }))

	a.fanout = fanout.NewHandler(a.store, a.cfg.Sync.ObserverBuffer)

	if a.cfg.Archive.Enabled {
		objects, err := openStorage(ctx, a.cfg.Archive.Storage)
		if err != nil {
			return fmt.Errorf("failed to open archive storage: %w", err)
		}
		a.mirror = archive.NewMirror(a.store, objects, a.cfg.Archive.Prefix)
		log.Printf("archive mirror enabled (%s)", a.cfg.Archive.Storage.Type)
	}
	return nil
}

// openStorage builds the configured object storage backend.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// OpenStorage exposes openStorage for clients restoring from the archive.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	return openStorage(ctx, cfg)
}

func (a *App) startCompilers(ctx context.Context) error {
	for _, kind := range chunk.Kinds {
		qcfg := a.cfg.Compile.Keyword
		if kind == chunk.KindObject {
			qcfg = a.cfg.Compile.Object
		}
		c := queue.NewController(kind, qcfg, a.store, a.compilePool, compiler.New(kind, a.store), a.registry.Reporter(kind.String()))
		c.OnChanged(a.fanout.Notify)
		if a.mirror != nil {
			c.OnChanged(a.mirror.Notify)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s controller: %w", kind, err)
		}
		a.controllers = append(a.controllers, c)
		a.shutdown.Register(kind.String()+" controller", server.CloserFunc(func() error { c.Stop(); return nil }))
	}
	return nil
}

func (a *App) startHTTP(ctx context.Context) error {
	importHandler, err := httpapi.NewImportHandler(ctx, a.importer, a.importPool, a.registry.Reporter("import"))
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Service:   "chunkindex",
		Import:    importHandler,
		Status:    a.registry,
		Observers: a.fanout,
	})

	a.httpListener, err = net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpServer = &http.Server{
		Handler:      a.shutdown.Middleware(router),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.Register("http server", server.HTTPCloser(a.httpServer, 10*time.Second))

	a.group.Go(func() error {
		log.Printf("HTTP server listening on %s", a.httpListener.Addr())
		if err := a.httpServer.Serve(a.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return nil
}

func (a *App) startGRPC() error {
	var err error
	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}

	a.grpcServer = grpc.NewServer()
	grpcapi.Register(a.grpcServer, grpcapi.NewSyncServer(chunksync.NewServer(a.store, a.fanout, a.cfg.Sync.BatchSize)))

	// Sync streams stay open until clients leave, so a graceful stop is
	// bounded before forcing.
	a.shutdown.Register("grpc server", server.CloserFunc(func() error {
		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			a.grpcServer.Stop()
		}
		return nil
	}))

	a.group.Go(func() error {
		log.Printf("gRPC server listening on %s", a.grpcListener.Addr())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	return nil
}

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Wait blocks until a server fails or the app stops, returning the first
// server error.
func (a *App) Wait() error {
	return a.group.Wait()
}

// Stop shuts every service down and closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")
	err := a.shutdown.Shutdown(ctx)
	a.cancel()
	if werr := a.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	log.Printf("chunkindex stopped")
	return err
}

// abort releases whatever Start managed to open.
func (a *App) abort() {
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background())
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.group.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
