package feed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
)

// FileFeed replays a JSON-lines file of ticks or signals. Blank lines and
// lines starting with '#' are skipped.
type FileFeed struct {
	path   string
	ingest func(context.Context, []byte) error
	in     *ingester
}

// NewTickFile returns a feed publishing every line of path as a tick.
func NewTickFile(path string, publisher eventlog.Publisher, opts ...Option) *FileFeed {
	in := newIngester("tickfile", publisher, opts)
	return &FileFeed{path: path, ingest: in.tick, in: in}
}

// NewSignalFile returns a feed publishing every line of path as a signal.
func NewSignalFile(path string, publisher eventlog.Publisher, opts ...Option) *FileFeed {
	in := newIngester("signalfile", publisher, opts)
	return &FileFeed{path: path, ingest: in.signal, in: in}
}

// Run reads the file to completion or until ctx ends.
func (f *FileFeed) Run(ctx context.Context) error {
	file, err := os.Open(filepath.Clean(f.path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return fmt.Errorf("open feed %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()
	n, err := f.Consume(ctx, file)
	f.in.logf("%s: published %d records", f.path, n)
	return err
}

// Consume publishes every record read from r and returns the number of lines processed.
func (f *FileFeed) Consume(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), int(f.in.opts.readLimit))
	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		lines++
		if err := f.ingest(ctx, line); err != nil {
			return lines, err
		}
		if f.in.opts.pace > 0 {
			select {
			case <-ctx.Done():
				return lines, ctx.Err()
			case <-time.After(f.in.opts.pace):
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read feed: %w", err)
	}
	return lines, nil
}
