package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/memstore"
	"github.com/iraspa/projectsync/internal/cloud/sqlstore"
	"github.com/iraspa/projectsync/internal/config"
	"github.com/iraspa/projectsync/internal/coordinator"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
	"github.com/iraspa/projectsync/internal/ui"
)

// noObserver is used by commands that print only once the session settles.
var noObserver coordinator.Observer

// session bundles the store, logs and coordinator of one command run.
type session struct {
	out   *logging.Output
	sink  *logging.Sink
	store cloud.Store
	db    *sqlstore.Store
	coord *coordinator.Coordinator
}

// openSession opens the configured store and creates a coordinator over a
// fresh tree. The caller must call close.
func openSession(ctx context.Context, obs coordinator.Observer) (*session, error) {
	out := logging.Discard()
	if !quiet {
		out = logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Stderr:     cfg.Log.Stderr,
		})
	}
	s := &session{out: out, sink: logging.NewSink(0, out.New("psync"))}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		s.store = memstore.New(memstore.Config{PageSize: cfg.Sync.PageSize})
	case config.DriverSQLite:
		scfg := sqlstore.DefaultConfig(cfg.Store.Path)
		scfg.PageSize = cfg.Sync.PageSize
		scfg.Debounce = cfg.Sync.Debounce
		scfg.Logger = out.New("sqlstore")
		db, err := sqlstore.Open(ctx, scfg)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		s.store, s.db = db, db
	default:
		_ = out.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	ccfg := coordinator.DefaultConfig(s.store, tree.NewController())
	ccfg.Policy = retry.Policy{
		MaxAttempts:  cfg.Sync.MaxAttempts,
		DefaultDelay: cfg.Sync.DefaultDelay,
		MaxDelay:     cfg.Sync.MaxDelay,
		Logger:       out.New("retry"),
	}
	ccfg.QueueSize = cfg.Sync.QueueSize
	ccfg.PageSize = cfg.Sync.PageSize
	ccfg.SubscriptionID = cfg.Sync.SubscriptionID
	ccfg.RecordTypes = cfg.Sync.RecordTypes
	ccfg.ProjectType = cfg.Sync.ProjectType
	ccfg.Sink = s.sink
	ccfg.Logger = out.New("coordinator")
	ccfg.Observer = obs

	coord, err := coordinator.New(ccfg)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.coord = coord
	return s, nil
}

func (s *session) close() error {
	var errs []error
	if s.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, s.coord.Shutdown(ctx))
		cancel()
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, s.out.Close())
	return errors.Join(errs...)
}

// init bootstraps the coordinator. Failed bootstrap steps are
// reported as a warning; the session stays usable.
func (s *session) init(ctx context.Context) {
	if err := s.coord.Init(ctx); err != nil {
		if ctx.Err() != nil {
			fatalf("Error: bootstrap interrupted: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Bootstrap finished with errors: %v\n", ui.RenderWarn("⚠"), err)
	}
}

// expand lists the children of every unexpanded group up to depth levels
// below the roots.
func (s *session) expand(ctx context.Context, depth int) error {
	level := s.coord.Roots()
	for d := 0; d < depth && len(level) > 0; d++ {
		for _, n := range level {
			var skip bool
			if err := s.coord.Read(ctx, func(*tree.Controller) { skip = n.Expanded || !n.IsGroup() }); err != nil {
				return err
			}
			if skip {
				continue
			}
			if _, err := s.coord.Expand(n); err != nil {
				return err
			}
		}
		if err := s.coord.Wait(ctx); err != nil {
			return err
		}
		var next []*tree.Node
		if err := s.coord.Read(ctx, func(*tree.Controller) {
			for _, n := range level {
				for _, ch := range n.Children() {
					if ch.IsGroup() {
						next = append(next, ch)
					}
				}
			}
		}); err != nil {
			return err
		}
		level = next
	}
	return nil
}

// leaves returns every unloaded leaf proxy in the tree.
func (s *session) leaves(ctx context.Context) ([]*tree.Node, error) {
	var out []*tree.Node
	err := s.coord.Read(ctx, func(ctl *tree.Controller) {
		for _, n := range ctl.Flatten() {
			if !n.IsGroup() && n.RecordID() != "" && n.Payload().State == tree.Unloaded {
				out = append(out, n)
			}
		}
	})
	return out, err
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
