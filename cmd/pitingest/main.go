package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	pi "github.com/t7a/pitingest"
	"github.com/t7a/pitingest/db"
	"github.com/t7a/pitingest/listing"
	"github.com/t7a/pitingest/signals"
)

const usage = `pitingest

Feed files through a hook once per distinct content.

Usage:
  pitingest [options] <db> <hook> run <listing-file>
  pitingest [options] <db> <hook> <logfile> run <listing-file>
  pitingest [options] <db> <hook> run-glob <base> <glob>...
  pitingest [options] <db> <hook> <logfile> run-glob <base> <glob>...
  pitingest [options] <db> <hook> watch <base> <glob>...
  pitingest [options] <db> <hook> <logfile> watch <base> <glob>...
  pitingest [options] <db> ls [<algo>]
  pitingest [options] <db> confirm <algo> <hash> <answer>
  pitingest [options] <db> dump <file> [<algo>...]
  pitingest [options] <db> load <file>

Options:
  -h --help                 Show this screen.
  --version                 Show version.
  --max-filesize=<size>     Skip files larger than this, e.g. 10M.
  --mp                      Process files in parallel.
  --jobs=<n>                Parallel workers, 0 for one per CPU [default: 0].
  -q --quiet                Suppress per-file log messages.
  --algo=<name>             Hash algorithm [default: sha256].
  --settle=<dur>            How long a watched file must be quiet [default: 2s].
  --cache=<size>            Store page cache [default: 1MiB].
  --no-compression          Store values and dumps uncompressed.
  --compression-factor=<n>  zstd level, 1 to 22 [default: 5].
  --low-space               Sync every commit instead of using a write-ahead log.
`

type Opts struct {
	Db                string   `docopt:"<db>"`
	Hook              string   `docopt:"<hook>"`
	Logfile           string   `docopt:"<logfile>"`
	ListingFile       string   `docopt:"<listing-file>"`
	Base              string   `docopt:"<base>"`
	Globs             []string `docopt:"<glob>"`
	Algos             []string `docopt:"<algo>"`
	Hash              string   `docopt:"<hash>"`
	Answer            string   `docopt:"<answer>"`
	File              string   `docopt:"<file>"`
	Run               bool     `docopt:"run"`
	RunGlob           bool     `docopt:"run-glob"`
	Watch             bool     `docopt:"watch"`
	Ls                bool     `docopt:"ls"`
	Confirm           bool     `docopt:"confirm"`
	Dump              bool     `docopt:"dump"`
	Load              bool     `docopt:"load"`
	MaxFilesize       string   `docopt:"--max-filesize"`
	Mp                bool     `docopt:"--mp"`
	Jobs              int      `docopt:"--jobs"`
	Quiet             bool     `docopt:"--quiet"`
	Algo              string   `docopt:"--algo"`
	Settle            string   `docopt:"--settle"`
	Cache             string   `docopt:"--cache"`
	NoCompression     bool     `docopt:"--no-compression"`
	CompressionFactor int      `docopt:"--compression-factor"`
	LowSpace          bool     `docopt:"--low-space"`
}

func setupLogging(logfile string) (closer io.Closer, err error) {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetReportCaller(true)
	formatter := &log.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: log.FieldMap{
			log.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	log.SetFormatter(formatter)

	log.SetOutput(os.Stderr)
	if logfile == "" {
		return
	}
	fh, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(fh)
	return fh, nil
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, gid())
	}
}

// gid returns the id of the calling goroutine, so that interleaved
// worker messages can be told apart.
func gid() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.1")
	if err != nil {
		return 22
	}
	if o == nil {
		// --help or --version
		return 0
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 22
	}

	closer, err := setupLogging(opts.Logfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if closer != nil {
		defer func() {
			log.SetOutput(os.Stderr)
			closer.Close()
		}()
	}
	log.Debugf("%#v", opts)

	dbopts, err := storeOptions(opts)
	if err != nil {
		log.Error(err)
		return 22
	}

	store, err := db.Open(opts.Db, dbopts)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer func() {
		err := store.Flush()
		if err != nil {
			log.Error(err)
			if rc == 0 {
				rc = 1
			}
		}
		store.Close()
	}()

	switch true {
	case opts.Run, opts.RunGlob, opts.Watch:
		return ingest(store, opts)
	case opts.Ls:
		err = ls(store, opts.Algos)
	case opts.Confirm:
		err = confirm(store, opts.Algos[0], opts.Hash, opts.Answer)
		if errors.Is(err, db.ErrUnknownSpecifier) {
			log.Error(err)
			return 22
		}
	case opts.Dump:
		var n int
		n, err = store.DumpFile(opts.File, opts.Algos...)
		if err == nil {
			fmt.Printf("dumped %d records\n", n)
		}
	case opts.Load:
		var n int
		n, err = store.LoadFile(opts.File)
		if err == nil {
			fmt.Printf("loaded %d records\n", n)
		}
	}
	if err != nil {
		log.Error(err)
		return 1
	}
	return 0
}

func storeOptions(opts Opts) (dbopts db.Options, err error) {
	dbopts = db.DefaultOptions()
	cache, err := humanize.ParseBytes(opts.Cache)
	if err != nil {
		return dbopts, errors.Wrap(err, "--cache")
	}
	dbopts.CacheCapacity = int64(cache)
	dbopts.Compression = !opts.NoCompression
	dbopts.CompressionFactor = opts.CompressionFactor
	if opts.LowSpace {
		dbopts.Mode = db.LowSpace
	}
	return
}

func ingest(store *db.Db, opts Opts) (rc int) {
	cfg := pi.Config{
		Algo:     opts.Algo,
		Parallel: opts.Mp,
		Workers:  opts.Jobs,
		Quiet:    opts.Quiet,
	}
	if opts.MaxFilesize != "" {
		size, err := humanize.ParseBytes(opts.MaxFilesize)
		if err != nil {
			log.Error(errors.Wrap(err, "--max-filesize"))
			return 22
		}
		cfg.MaxFilesize = int64(size)
	}
	hook, err := pi.NewExecHook(opts.Hook)
	if err != nil {
		log.Error(err)
		return 22
	}
	cfg.Hook = hook

	var src listing.Source
	glob := listing.GlobPattern{Base: opts.Base, Patterns: opts.Globs}
	switch true {
	case opts.Run:
		src = listing.IndexFile{Path: opts.ListingFile}
	case opts.RunGlob:
		src = glob
	case opts.Watch:
		settle, err := time.ParseDuration(opts.Settle)
		if err != nil {
			log.Error(errors.Wrap(err, "--settle"))
			return 22
		}
		src = listing.WatchPattern{GlobPattern: glob, Settle: settle}
	}

	// without a handler an interrupt kills the process outright,
	// losing at most the file in progress
	sig := signals.New()
	err = sig.Register()
	if err != nil {
		log.Warn(err)
	}
	defer sig.Stop()

	d, err := pi.New(store, sig, cfg)
	if err != nil {
		log.Error(err)
		return 22
	}
	stats, err := d.Run(context.Background(), src)
	if err != nil {
		log.Error(err)
		return 1
	}
	if stats.Interrupted {
		log.Info("interrupted, shutting down")
	}
	log.Info(stats)
	return 0
}

// ls prints each hash tree with its size, or the fingerprints in the
// tree for algos[0].
func ls(store *db.Db, algos []string) (err error) {
	if len(algos) > 0 {
		tree, ok, err := store.LookupTree(algos[0])
		if err != nil || !ok {
			return err
		}
		return tree.Scan(func(key, value []byte) error {
			fmt.Println(db.Fingerprint(key))
			return nil
		})
	}
	return store.ForEachHashTree(func(algo string, tree *db.Tree) error {
		n, err := tree.Len()
		if err != nil {
			return err
		}
		fmt.Println(algo, n)
		return nil
	})
}

func confirm(store *db.Db, algo, hash, answer string) (err error) {
	fp, err := db.ParseFingerprint(hash)
	if err != nil {
		return
	}
	tree, err := store.Tree(algo)
	if err != nil {
		return
	}
	return tree.Confirm(fp, answer)
}
