// Package probe is the expensive initialization the memo CLI caches: it
// reads a file in full, digests it, counts its lines and optionally indexes
// line offsets.
package probe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goforj/memo"
	"github.com/goforj/memo/codec"
	"go.trai.ch/zerr"
)

const (
	summaryType = "probe.Summary"
	indexedType = "probe.Indexed"
)

// Options are the construction parameters of a probe. They take part in
// the equivalence check, so a cached probe built with other options is
// rebuilt.
type Options struct {
	// HeaderLen is the number of leading bytes kept in Summary.Header.
	HeaderLen int
	// IndexStride records the offset of every IndexStride-th line. Zero
	// skips indexing.
	IndexStride int
}

// Summary describes one file.
type Summary struct {
	Path       string
	Size       int64
	ModTime    time.Time
	Lines      int64
	Digest     uint64
	Header     []byte
	HeaderLen  int
	Attributes map[string]any
}

func (s *Summary) TypeName() string { return summaryType }

func (s *Summary) MarshalGraph(w *codec.Writer) error {
	w.String(s.Path)
	w.Int(s.Size)
	w.Time(s.ModTime)
	w.Int(s.Lines)
	w.Uint(s.Digest)
	w.Bytes(s.Header)
	w.Int(int64(s.HeaderLen))
	w.Value(s.Attributes)
	return nil
}

func (s *Summary) UnmarshalGraph(r *codec.Reader) error {
	s.Path = r.String()
	s.Size = r.Int()
	s.ModTime = r.Time()
	s.Lines = r.Int()
	s.Digest = r.Uint()
	s.Header = r.Bytes()
	s.HeaderLen = int(r.Int())
	attrs, _ := r.Value().(map[string]any)
	s.Attributes = attrs
	return r.Err()
}

// Equivalent compares construction parameters.
func (s *Summary) Equivalent(other codec.Graph) bool {
	o, ok := other.(*Summary)
	return ok && o.HeaderLen == s.HeaderLen
}

// Indexed wraps a Summary with line offsets.
type Indexed struct {
	Inner   codec.Graph
	Stride  int
	Offsets []int64
}

func (x *Indexed) TypeName() string    { return indexedType }
func (x *Indexed) Unwrap() codec.Graph { return x.Inner }

func (x *Indexed) MarshalGraph(w *codec.Writer) error {
	w.Int(int64(x.Stride))
	w.Uint(uint64(len(x.Offsets)))
	for _, off := range x.Offsets {
		w.Int(off)
	}
	w.Graph(x.Inner)
	return nil
}

func (x *Indexed) UnmarshalGraph(r *codec.Reader) error {
	x.Stride = int(r.Int())
	n := r.Uint()
	if n > uint64(r.Remaining()) {
		return zerr.With(zerr.New("probe: offset count exceeds payload"), "count", n)
	}
	x.Offsets = make([]int64, 0, n)
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		x.Offsets = append(x.Offsets, r.Int())
	}
	x.Inner = r.Graph()
	return r.Err()
}

func (x *Indexed) Equivalent(other codec.Graph) bool {
	o, ok := other.(*Indexed)
	return ok && o.Stride == x.Stride
}

// SummaryOf returns the innermost summary of g, if any.
func SummaryOf(g codec.Graph) (*Summary, bool) {
	for g != nil {
		if s, ok := g.(*Summary); ok {
			return s, true
		}
		w, ok := g.(codec.Wrapper)
		if !ok {
			return nil, false
		}
		g = w.Unwrap()
	}
	return nil, false
}

// Catalog returns the factories for probe graphs.
func Catalog() *codec.Catalog {
	return codec.NewCatalog(
		func() codec.Graph { return &Summary{} },
		func() codec.Graph { return &Indexed{} },
	)
}

// Prototype is the graph shape Build produces for opts.
func Prototype(opts Options) codec.Graph {
	s := &Summary{HeaderLen: opts.HeaderLen}
	if opts.IndexStride > 0 {
		return &Indexed{Inner: s, Stride: opts.IndexStride}
	}
	return s
}

// Builder returns a memo builder probing the resource at the build key.
func Builder(opts Options) memo.Builder {
	return memo.NewBuilder(Prototype(opts), func(ctx context.Context, bc memo.BuildContext) (codec.Graph, error) {
		return Probe(ctx, bc.Key, opts)
	})
}

// Probe reads path and returns its summary, wrapped in an index when
// opts.IndexStride is set.
func Probe(ctx context.Context, path string, opts Options) (codec.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "probe: open"), "path", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "probe: stat"), "path", path)
	}

	s := &Summary{
		Path:      path,
		Size:      fi.Size(),
		ModTime:   fi.ModTime(),
		HeaderLen: opts.HeaderLen,
	}
	var offsets []int64

	digest := xxhash.New()
	br := bufio.NewReader(io.TeeReader(f, digest))
	var (
		pos       int64
		blank     int64
		lineStart = true
		lineEmpty = true
	)
	for {
		if pos%(1<<20) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "probe: read"), "path", path)
		}
		if len(s.Header) < opts.HeaderLen {
			s.Header = append(s.Header, b)
		}
		if lineStart && opts.IndexStride > 0 && s.Lines%int64(opts.IndexStride) == 0 {
			offsets = append(offsets, pos)
		}
		pos++
		lineStart = false
		if b != '\n' {
			if b != '\r' {
				lineEmpty = false
			}
			continue
		}
		s.Lines++
		if lineEmpty {
			blank++
		}
		lineStart, lineEmpty = true, true
	}
	if !lineStart {
		s.Lines++
	}
	s.Digest = digest.Sum64()
	s.Attributes = map[string]any{
		"ext":         filepath.Ext(path),
		"blank_lines": blank,
	}

	if opts.IndexStride > 0 {
		return &Indexed{Inner: s, Stride: opts.IndexStride, Offsets: offsets}, nil
	}
	return s, nil
}
