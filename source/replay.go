package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

const maxReplayLine = 1 << 20

// Replay reads one JSON event per line. Blank lines and lines starting
// with '#' are ignored. Events are emitted in file order, and an emit
// error stops the replay so its result stays deterministic.
type Replay struct {
	decoder
	path   string
	reader io.Reader
}

// NewReplay replays the file at path.
func NewReplay(path string, opts ...Option) *Replay {
	return &Replay{decoder: newDecoder("replay", opts), path: path}
}

// NewReplayReader replays r.
func NewReplayReader(name string, r io.Reader, opts ...Option) *Replay {
	if name == "" {
		name = "replay"
	}
	return &Replay{decoder: newDecoder(name, opts), reader: r}
}

// Run implements Source. It returns when the input is exhausted.
func (r *Replay) Run(ctx context.Context, emit EmitFunc) error {
	in := r.reader
	if in == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return errors.WrapInvalid(err, "Replay", "Run", "open "+r.path)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || data[0] == '#' {
			continue
		}
		err := r.handle(ctx, data, emit)
		if err == nil || errors.IsInvalid(err) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "Replay", "Run", fmt.Sprintf("emit line %d", line))
	}
	if err := scanner.Err(); err != nil {
		return errors.WrapInvalid(err, "Replay", "Run", "read input")
	}
	return nil
}
