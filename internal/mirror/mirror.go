// Package mirror copies a whole cloud tree to a sink, skipping files a
// ledger says were already copied with the same id and size.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/ledger"
	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
	"github.com/edclient/edclient/pkg/cloud"
)

// ErrDuplicateKey is reported for a file whose sink key is already taken by
// an earlier sibling of the same name.
var ErrDuplicateKey = errors.New("another file has the same path")

// DefaultWorkers is the number of concurrent downloads when none is set.
const DefaultWorkers = 4

// Options configures a Mirror.
type Options struct {
	Sink    Sink
	Ledger  ledger.Ledger // defaults to an in-memory ledger
	Workers int
}

// Mirror copies cloud trees to a sink.
type Mirror struct {
	sink    Sink
	ledger  ledger.Ledger
	workers int
}

// New creates a Mirror.
func New(opts Options) (*Mirror, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("mirror: nil sink")
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemory()
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	return &Mirror{sink: opts.Sink, ledger: opts.Ledger, workers: opts.Workers}, nil
}

// FileError is a file that could not be mirrored.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result summarizes a mirror run.
type Result struct {
	Files    int
	Copied   int
	Skipped  int
	Bytes    int64
	Failed   []FileError
	Duration time.Duration
}

// Key returns the sink key of a node path: separators become slashes and
// the leading one is dropped.
func Key(nodePath string) string {
	return strings.TrimPrefix(strings.ReplaceAll(nodePath, cloud.Separator, "/"), "/")
}

// Run loads the whole tree below root and copies every file to the sink.
// A failed file is reported in Result.Failed and does not stop the run;
// only a failure to load the tree or a cancelled context returns an error.
func (m *Mirror) Run(ctx context.Context, root *cloud.Folder) (Result, error) {
	start := time.Now()
	var res Result

	var files []*cloud.File
	err := root.Walk(ctx, func(n cloud.Node) error {
		if f, ok := n.(*cloud.File); ok {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("load tree: %w", err)
	}
	res.Files = len(files)

	logging.Info("mirror started",
		zap.String("cloud", root.String()),
		zap.String("sink", m.sink.Name()),
		zap.Int("files", len(files)),
		zap.Int("workers", m.workers))

	// Ledger keys are scoped by sink and cloud, sink keys are not.
	loc := root.Location()
	scope := fmt.Sprintf("%s:%s/%d:", m.sink.Name(), loc.Space, loc.OwnerID)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, m.workers)
		keys = make(map[string]bool, len(files))
	)

	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		// Siblings may share a name. The first one in listing order owns
		// the key, as with ChildByName.
		key := Key(f.Path())
		if keys[key] {
			mu.Lock()
			res.Failed = append(res.Failed, FileError{Path: f.Path(), Err: ErrDuplicateKey})
			mu.Unlock()
			metrics.RecordMirrorFile(m.sink.Name(), "failed")
			logging.Warn("mirror file skipped",
				zap.String("path", f.Path()),
				zap.String("id", f.ID()),
				zap.Error(ErrDuplicateKey))
			continue
		}
		keys[key] = true

		sem <- struct{}{}
		wg.Add(1)
		go func(f *cloud.File) {
			defer func() {
				<-sem
				wg.Done()
			}()
			skipped, n, err := m.copyFile(ctx, scope, f)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed = append(res.Failed, FileError{Path: f.Path(), Err: err})
				metrics.RecordMirrorFile(m.sink.Name(), "failed")
				logging.Warn("mirror file failed",
					zap.String("path", f.Path()),
					zap.Error(err))
			case skipped:
				res.Skipped++
				metrics.RecordMirrorFile(m.sink.Name(), "skipped")
			default:
				res.Copied++
				res.Bytes += n
				metrics.RecordMirrorFile(m.sink.Name(), "copied")
			}
		}(f)
	}
	wg.Wait()
	res.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	logging.Info("mirror finished",
		zap.String("cloud", root.String()),
		zap.Int("copied", res.Copied),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Failed)),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (m *Mirror) copyFile(ctx context.Context, scope string, f *cloud.File) (skipped bool, n int64, err error) {
	key := Key(f.Path())
	ledgerKey := scope + key

	seen, err := m.ledger.Seen(ctx, ledgerKey, f.ID(), f.Size())
	if err != nil {
		return false, 0, err
	}
	if seen {
		return true, 0, nil
	}

	rc, err := f.Open(ctx)
	if err != nil {
		return false, 0, err
	}
	defer rc.Close()

	n, err = m.sink.Put(ctx, key, rc, f.Size())
	if err != nil {
		return false, n, err
	}

	err = m.ledger.Record(ctx, ledger.Entry{
		Key:      ledgerKey,
		RemoteID: f.ID(),
		Size:     f.Size(),
	})
	return false, n, err
}
