package pitingest

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/t7a/pitingest/db"
	"github.com/t7a/pitingest/listing"
	"github.com/t7a/pitingest/signals"
)

// DefaultMaxStoreFailures is how many store operations in a row may
// fail before a run gives up.
const DefaultMaxStoreFailures = 8

// ErrStoreUnusable aborts a run after too many consecutive store
// failures.
var ErrStoreUnusable = errors.New("store unusable")

// errDrain stops the worker pool after an interrupt.
var errDrain = errors.New("interrupted")

// Config controls a Dispatcher.
type Config struct {
	Algo             string // hash algorithm; db.DefaultAlgo if empty
	MaxFilesize      int64  // bytes; 0 means no ceiling
	Parallel         bool
	Workers          int // when Parallel; runtime.NumCPU() if 0
	Quiet            bool
	Hook             Hook
	MaxStoreFailures int // DefaultMaxStoreFailures if 0
}

// Stats counts what a run did with its candidates.
type Stats struct {
	Seen        int // paths pulled from the listing
	Unreadable  int // could not be stat'ed, read, or not a regular file
	TooLarge    int
	Duplicates  int // already accepted
	Accepted    int
	Rejected    int
	Failed      int // hook could not run, or the store failed
	Interrupted bool
}

func (s Stats) String() string {
	return fmt.Sprintf("seen %d, accepted %d, rejected %d, duplicates %d, too large %d, unreadable %d, failed %d",
		s.Seen, s.Accepted, s.Rejected, s.Duplicates, s.TooLarge, s.Unreadable, s.Failed)
}

// Dispatcher feeds candidate files through fingerprinting, the store,
// and the hook.
type Dispatcher struct {
	cfg  Config
	tree *db.Tree
	sig  *signals.State

	mu       sync.Mutex
	stats    Stats
	failures int                      // consecutive store failures
	claims   map[string]chan struct{} // fingerprints being decided
}

// New returns a Dispatcher recording decisions in the hash tree of
// store for cfg.Algo.
func New(store *db.Db, sig *signals.State, cfg Config) (d *Dispatcher, err error) {
	if cfg.Algo == "" {
		cfg.Algo = db.DefaultAlgo
	}
	if _, err = db.NewHash(cfg.Algo); err != nil {
		return nil, err
	}
	if cfg.Hook == nil {
		return nil, fmt.Errorf("no hook")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxStoreFailures <= 0 {
		cfg.MaxStoreFailures = DefaultMaxStoreFailures
	}
	if sig == nil {
		sig = signals.New()
	}
	tree, err := store.Tree(cfg.Algo)
	if err != nil {
		return nil, err
	}
	d = &Dispatcher{
		cfg:    cfg,
		tree:   tree,
		sig:    sig,
		claims: make(map[string]chan struct{}),
	}
	return
}

// Run processes every path src lists.  It returns early, with a nil
// error and Stats.Interrupted set, once an interrupt arrives during a
// hook; the caller should then flush the store and exit normally.
// Only a listing failure or an unusable store make Run fail.
func (d *Dispatcher) Run(ctx context.Context, src listing.Source) (stats Stats, err error) {
	d.mu.Lock()
	d.stats = Stats{}
	d.failures = 0
	d.mu.Unlock()

	it, err := listing.Open(src)
	if err != nil {
		return
	}
	defer it.Close()

	log.WithFields(log.Fields{"listing": src.String(), "algo": d.cfg.Algo}).Debug("run")
	if d.cfg.Parallel && d.cfg.Workers > 1 {
		err = d.runParallel(ctx, it)
	} else {
		err = d.runSequential(ctx, it)
	}
	if err == errDrain {
		err = nil
	}
	return d.Stats(), err
}

// Stats returns the counters of the current or last run.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) runSequential(ctx context.Context, it listing.Iterator) error {
	for it.Next(ctx) {
		err := d.process(ctx, it.Path())
		if err != nil {
			return err
		}
	}
	return it.Err()
}

func (d *Dispatcher) runParallel(ctx context.Context, it listing.Iterator) error {
	g, gctx := errgroup.WithContext(ctx)
	paths := make(chan string)

	g.Go(func() error {
		defer close(paths)
		for it.Next(gctx) {
			select {
			case paths <- it.Path():
			case <-gctx.Done():
				return nil
			}
		}
		return it.Err()
	})

	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for path := range paths {
				if gctx.Err() != nil {
					return nil
				}
				err := d.process(gctx, path)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// process runs one candidate.  It only fails with errDrain or
// ErrStoreUnusable; everything else is logged and counted.
func (d *Dispatcher) process(ctx context.Context, path string) (err error) {
	d.count(func(s *Stats) { s.Seen++ })
	flog := log.WithField("path", path)

	fi, err := os.Stat(path)
	if err != nil {
		flog.WithField("err", err).Warn("cannot stat")
		d.count(func(s *Stats) { s.Unreadable++ })
		return nil
	}
	if !fi.Mode().IsRegular() {
		flog.Warn("not a regular file")
		d.count(func(s *Stats) { s.Unreadable++ })
		return nil
	}
	if d.cfg.MaxFilesize > 0 && fi.Size() > d.cfg.MaxFilesize {
		d.info(flog.WithField("size", fi.Size()), "too large, skipped")
		d.count(func(s *Stats) { s.TooLarge++ })
		return nil
	}

	fp, err := db.HashFile(d.cfg.Algo, path)
	if err != nil {
		flog.WithField("err", err).Warn("cannot hash")
		d.count(func(s *Stats) { s.Unreadable++ })
		return nil
	}
	flog = flog.WithFields(log.Fields{"algo": d.cfg.Algo, "hash": fp.String()})

	release, ok := d.claim(ctx, fp)
	if !ok {
		return nil
	}
	defer release()

	present, err := d.tree.Contains(fp)
	if err != nil {
		return d.storeFailed(flog, "contains", err)
	}
	d.storeOK()
	if present {
		d.info(flog, "duplicate, skipped")
		d.count(func(s *Stats) { s.Duplicates++ })
		return nil
	}

	interrupted, err := d.sig.Critical(func() error {
		return d.decide(flog, path, fp)
	})
	if err != nil {
		return err
	}
	if interrupted {
		log.Info("interrupt received, stopping after current file")
		d.count(func(s *Stats) { s.Interrupted = true })
		return errDrain
	}
	return nil
}

// decide runs the hook and records its verdict.  It must be called
// with the signal state disarmed.
func (d *Dispatcher) decide(flog *log.Entry, path string, fp db.Fingerprint) (err error) {
	err = d.cfg.Hook.Run(path)
	var herr *HookError
	switch {
	case err == nil:
		created, err := d.tree.InsertIfAbsent(fp, nil)
		if err != nil {
			return d.storeFailed(flog, "accept", err)
		}
		d.storeOK()
		if !created {
			flog.Debug("accepted concurrently")
		}
		d.info(flog, "accepted")
		d.count(func(s *Stats) { s.Accepted++ })
	case errors.As(err, &herr):
		err = d.tree.Record(fp, db.Rejected)
		if err != nil {
			return d.storeFailed(flog, "reject", err)
		}
		d.storeOK()
		d.info(flog.WithField("exit", herr.ExitCode), "rejected")
		d.count(func(s *Stats) { s.Rejected++ })
	default:
		flog.WithField("err", err).Warn("hook failed")
		d.count(func(s *Stats) { s.Failed++ })
	}
	return nil
}

// claim marks fp as being decided by the caller.  If another worker
// holds it, claim waits for that worker to finish and tries again, so
// the caller then sees its decision in the store.  ok is false if ctx
// ended first.
func (d *Dispatcher) claim(ctx context.Context, fp db.Fingerprint) (release func(), ok bool) {
	key := string(fp)
	for {
		d.mu.Lock()
		busy, held := d.claims[key]
		if !held {
			done := make(chan struct{})
			d.claims[key] = done
			d.mu.Unlock()
			return func() {
				d.mu.Lock()
				delete(d.claims, key)
				d.mu.Unlock()
				close(done)
			}, true
		}
		d.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (d *Dispatcher) storeFailed(flog *log.Entry, op string, err error) error {
	flog.WithFields(log.Fields{"op": op, "err": err}).Error("store failure")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Failed++
	d.failures++
	if d.failures > d.cfg.MaxStoreFailures {
		return errors.Wrapf(ErrStoreUnusable, "%d consecutive failures, last: %v", d.failures, err)
	}
	return nil
}

func (d *Dispatcher) storeOK() {
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}

func (d *Dispatcher) count(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// info logs per-file progress unless Quiet is set.
func (d *Dispatcher) info(entry *log.Entry, msg string) {
	if d.cfg.Quiet {
		entry.Debug(msg)
		return
	}
	entry.Info(msg)
}
