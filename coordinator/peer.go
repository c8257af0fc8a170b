package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/docsync"
	"transcribee.dev/coordinator/coordinator/mediastore"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/web"
	"transcribee.dev/coordinator/coordinator/workers"
)

var (
	mon = monkit.Package()

	// Error is the default coordinator errs class.
	Error = errs.Class("coordinator")
)

// Config is the complete coordinator configuration.
type Config struct {
	// Database is the postgres connection string.
	Database string `help:"postgres connection string" default:"postgres://localhost/transcribee"`

	// StoragePath is the media blob directory.
	StoragePath string `help:"directory for media blobs" default:"storage/"`
	// SecretKey signs media URLs.
	SecretKey string `help:"secret key for signed media urls" default:"insecure-secret-key"`
	// MediaURLBase is the externally reachable base URL for media links.
	MediaURLBase string `help:"base url for media links" default:"http://localhost:8000/"`
	// MediaSignatureMaxAge bounds how long signed media URLs stay valid.
	MediaSignatureMaxAge time.Duration `help:"validity of signed media urls" default:"1h"`

	Web     web.Config
	Console console.Config
	Tasks   tasks.Config
}

// Peer is the coordinator process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Blobs  *mediastore.Store
	Signer *mediastore.Signer

	Console struct {
		Service      *console.Service
		CleanupChore *console.DBCleanupChore
	}

	Workers struct {
		Service *workers.Service
	}

	Tasks struct {
		Service      *tasks.Service
		Exports      *tasks.ExportHub
		TimeoutChore *tasks.TimeoutChore
	}

	Sync struct {
		Hub *docsync.Hub
	}

	Web struct {
		Listener net.Listener
		Server   *web.Server
	}
}

// New creates a coordinator peer from the master database and configuration.
func New(log *zap.Logger, db DB, config Config) (_ *Peer, err error) {
	peer := &Peer{Log: log, DB: db}

	{ // media
		peer.Blobs, err = mediastore.NewStore(config.StoragePath)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Signer = mediastore.NewSigner(config.SecretKey, config.MediaURLBase, config.MediaSignatureMaxAge)
	}

	{ // services
		peer.Workers.Service = workers.NewService(log.Named("workers"), db.Workers())

		peer.Tasks.Service = tasks.NewService(log.Named("tasks"), db.Tasks(), config.Tasks)
		peer.Tasks.Exports = tasks.NewExportHub(peer.Tasks.Service.Config().ExportTimeout)
		peer.Tasks.TimeoutChore = tasks.NewTimeoutChore(log.Named("tasks:timeout"), db.Tasks(), peer.Tasks.Service.Config())

		peer.Console.Service = console.NewService(log.Named("console"), db, db.Workers(), db.Tasks(), peer.Blobs, config.Console)
		peer.Console.CleanupChore = console.NewDBCleanupChore(log.Named("console:cleanup"), db)

		peer.Sync.Hub = docsync.NewHub(log.Named("sync"))
	}

	{ // web
		peer.Web.Listener, err = net.Listen("tcp", config.Web.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Web.Server = web.NewServer(log.Named("web"), peer.Web.Listener, web.Services{
			Console:   peer.Console.Service,
			Workers:   peer.Workers.Service,
			Tasks:     peer.Tasks.Service,
			Exports:   peer.Tasks.Exports,
			Hub:       peer.Sync.Hub,
			Updates:   db.Updates(),
			Documents: db.Documents(),
			ApiTokens: db.ApiTokens(),
			Blobs:     peer.Blobs,
			Signer:    peer.Signer,
		})
	}

	return peer, nil
}

// Run starts every subsystem and blocks until one fails or ctx is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Tasks.TimeoutChore.Run(ctx)
	})
	group.Go(func() error {
		return peer.Console.CleanupChore.Run(ctx)
	})
	group.Go(func() error {
		peer.Log.Info("listening", zap.Stringer("address", peer.Web.Server.Addr()))
		return peer.Web.Server.Run(ctx)
	})
	return group.Wait()
}

// Close shuts the peer down.
func (peer *Peer) Close() error {
	var group errs.Group
	if peer.Web.Server != nil {
		group.Add(peer.Web.Server.Close())
	} else if peer.Web.Listener != nil {
		group.Add(peer.Web.Listener.Close())
	}
	if peer.Tasks.TimeoutChore != nil {
		group.Add(peer.Tasks.TimeoutChore.Close())
	}
	if peer.Console.CleanupChore != nil {
		group.Add(peer.Console.CleanupChore.Close())
	}
	return Error.Wrap(group.Err())
}
