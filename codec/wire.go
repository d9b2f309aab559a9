package codec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goforj/memo/registry"
	"go.trai.ch/zerr"
	"google.golang.org/protobuf/encoding/protowire"
)

const maxNesting = 64

// Writer appends positional fields to a graph payload. The first failure is
// kept and later calls are ignored; check Err after marshalling.
type Writer struct {
	ctx   context.Context
	reg   *registry.Registry
	buf   []byte
	err   error
	depth int
}

// NewWriter returns a writer that resolves nested graph types through reg.
func NewWriter(ctx context.Context, reg *registry.Registry) *Writer {
	return &Writer{ctx: ctx, reg: reg}
}

// Encoded returns the bytes written so far.
func (w *Writer) Encoded() []byte { return w.buf }

// Err returns the first error recorded by the writer.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) Int(v int64) {
	if w.err == nil {
		w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
	}
}

func (w *Writer) Uint(v uint64) {
	if w.err == nil {
		w.buf = protowire.AppendVarint(w.buf, v)
	}
}

func (w *Writer) Bool(v bool) {
	w.Uint(protowire.EncodeBool(v))
}

func (w *Writer) Float64(v float64) {
	if w.err == nil {
		w.buf = protowire.AppendFixed64(w.buf, math.Float64bits(v))
	}
}

func (w *Writer) String(v string) {
	if w.err == nil {
		w.buf = protowire.AppendString(w.buf, v)
	}
}

func (w *Writer) Bytes(v []byte) {
	if w.err == nil {
		w.buf = protowire.AppendBytes(w.buf, v)
	}
}

// Time writes t with nanosecond precision. The location is not kept;
// readers get UTC.
func (w *Writer) Time(t time.Time) {
	if t.IsZero() {
		w.Bool(false)
		return
	}
	w.Bool(true)
	w.Int(t.Unix())
	w.Uint(uint64(t.Nanosecond()))
}

func (w *Writer) Strings(v []string) {
	w.Uint(uint64(len(v)))
	for _, s := range v {
		w.String(s)
	}
}

// Value writes a dynamically typed value tagged with its built-in id.
// Supported: nil, bool, signed and unsigned integers, floats, string,
// []byte, time.Time, []any and map[string]any of supported values.
func (w *Writer) Value(v any) {
	if w.err != nil {
		return
	}
	switch x := v.(type) {
	case nil:
		w.Uint(registry.IDNil)
	case bool:
		w.Uint(registry.IDBool)
		w.Bool(x)
	case int:
		w.Uint(registry.IDInt64)
		w.Int(int64(x))
	case int32:
		w.Uint(registry.IDInt64)
		w.Int(int64(x))
	case int64:
		w.Uint(registry.IDInt64)
		w.Int(x)
	case uint:
		w.Uint(registry.IDUint64)
		w.Uint(uint64(x))
	case uint32:
		w.Uint(registry.IDUint64)
		w.Uint(uint64(x))
	case uint64:
		w.Uint(registry.IDUint64)
		w.Uint(x)
	case float32:
		w.Uint(registry.IDFloat64)
		w.Float64(float64(x))
	case float64:
		w.Uint(registry.IDFloat64)
		w.Float64(x)
	case string:
		w.Uint(registry.IDString)
		w.String(x)
	case []byte:
		w.Uint(registry.IDBytes)
		w.Bytes(x)
	case time.Time:
		w.Uint(registry.IDTime)
		w.Time(x)
	case []any:
		if !w.enter() {
			return
		}
		w.Uint(registry.IDList)
		w.Uint(uint64(len(x)))
		for _, item := range x {
			w.Value(item)
		}
		w.depth--
	case map[string]any:
		if !w.enter() {
			return
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Uint(registry.IDMap)
		w.Uint(uint64(len(keys)))
		for _, k := range keys {
			w.String(k)
			w.Value(x[k])
		}
		w.depth--
	default:
		w.fail(zerr.With(zerr.Wrap(ErrUnsupportedValue, "codec: write value"), "type", fmt.Sprintf("%T", v)))
	}
}

// Graph writes a nested graph tagged with its registry id. A nil graph is
// written as the nil tag.
func (w *Writer) Graph(g Graph) {
	if w.err != nil {
		return
	}
	if g == nil {
		w.Uint(registry.IDNil)
		return
	}
	if !w.enter() {
		return
	}
	defer func() { w.depth-- }()

	id, err := w.reg.ID(w.ctx, g.TypeName())
	if err != nil {
		w.fail(err)
		return
	}
	nested := &Writer{ctx: w.ctx, reg: w.reg, depth: w.depth}
	if err := g.MarshalGraph(nested); err != nil {
		w.fail(err)
		return
	}
	if nested.err != nil {
		w.fail(nested.err)
		return
	}
	w.Uint(id)
	w.Bytes(nested.buf)
}

func (w *Writer) enter() bool {
	if w.depth >= maxNesting {
		w.fail(zerr.New("codec: graph nesting too deep"))
		return false
	}
	w.depth++
	return true
}

// Reader consumes fields in the order a Writer produced them. The first
// failure is kept, later reads return zero values, and Err reports an error
// matching ErrInvalidData.
type Reader struct {
	ctx     context.Context
	reg     *registry.Registry
	catalog *Catalog
	buf     []byte
	err     error
	depth   int
}

// NewReader returns a reader over data that resolves nested graphs through
// reg and catalog.
func NewReader(ctx context.Context, reg *registry.Registry, catalog *Catalog, data []byte) *Reader {
	return &Reader{ctx: ctx, reg: reg, catalog: catalog, buf: data}
}

// Err returns the first error recorded by the reader.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = invalid(err)
	}
}

func (r *Reader) consumed(n int) bool {
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return false
	}
	r.buf = r.buf[n:]
	return true
}

func (r *Reader) Uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if !r.consumed(n) {
		return 0
	}
	return v
}

func (r *Reader) Int() int64 {
	return protowire.DecodeZigZag(r.Uint())
}

func (r *Reader) Bool() bool {
	v := r.Uint()
	if v > 1 {
		r.fail(zerr.With(zerr.New("codec: bad bool"), "value", v))
		return false
	}
	return protowire.DecodeBool(v)
}

func (r *Reader) Float64() float64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.buf)
	if !r.consumed(n) {
		return 0
	}
	return math.Float64frombits(v)
}

func (r *Reader) String() string {
	if r.err != nil {
		return ""
	}
	v, n := protowire.ConsumeString(r.buf)
	if !r.consumed(n) {
		return ""
	}
	return v
}

// Bytes returns a copy of the next length-delimited field.
func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if !r.consumed(n) {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (r *Reader) Time() time.Time {
	if !r.Bool() {
		return time.Time{}
	}
	sec := r.Int()
	nsec := r.Uint()
	if r.err != nil {
		return time.Time{}
	}
	if nsec >= uint64(time.Second) {
		r.fail(zerr.With(zerr.New("codec: bad time"), "nanos", nsec))
		return time.Time{}
	}
	return time.Unix(sec, int64(nsec)).UTC()
}

func (r *Reader) Strings() []string {
	n, ok := r.count()
	if !ok {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	if r.err != nil {
		return nil
	}
	return out
}

// Value reads a value written by Writer.Value. Integers come back as int64
// or uint64, floats as float64.
func (r *Reader) Value() any {
	tag := r.Uint()
	if r.err != nil {
		return nil
	}
	switch tag {
	case registry.IDNil:
		return nil
	case registry.IDBool:
		return r.Bool()
	case registry.IDInt64:
		return r.Int()
	case registry.IDUint64:
		return r.Uint()
	case registry.IDFloat64:
		return r.Float64()
	case registry.IDString:
		return r.String()
	case registry.IDBytes:
		return r.Bytes()
	case registry.IDTime:
		return r.Time()
	case registry.IDList:
		if !r.enter() {
			return nil
		}
		defer func() { r.depth-- }()
		n, ok := r.count()
		if !ok {
			return nil
		}
		out := make([]any, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			out = append(out, r.Value())
		}
		return out
	case registry.IDMap:
		if !r.enter() {
			return nil
		}
		defer func() { r.depth-- }()
		n, ok := r.count()
		if !ok {
			return nil
		}
		out := make(map[string]any, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.String()
			out[k] = r.Value()
		}
		return out
	default:
		r.fail(zerr.With(zerr.Wrap(ErrUnknownType, "codec: read value"), "id", tag))
		return nil
	}
}

// Graph reads a nested graph written by Writer.Graph.
func (r *Reader) Graph() Graph {
	id := r.Uint()
	if r.err != nil || id == registry.IDNil {
		return nil
	}
	if !r.enter() {
		return nil
	}
	defer func() { r.depth-- }()

	g, err := r.newGraph(id)
	if err != nil {
		r.fail(err)
		return nil
	}
	payload := r.Bytes()
	if r.err != nil {
		return nil
	}
	nested := &Reader{ctx: r.ctx, reg: r.reg, catalog: r.catalog, buf: payload, depth: r.depth}
	if err := g.UnmarshalGraph(nested); err != nil {
		r.fail(err)
		return nil
	}
	if err := nested.finish(); err != nil {
		r.fail(err)
		return nil
	}
	return g
}

func (r *Reader) newGraph(id uint64) (Graph, error) {
	if registry.Builtin(id) {
		return nil, zerr.With(zerr.Wrap(ErrUnknownType, "codec: resolve graph"), "id", id)
	}
	name, err := r.reg.Name(r.ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownID) {
			return nil, zerr.With(zerr.Wrap(ErrUnknownType, "codec: resolve graph"), "id", id)
		}
		return nil, err
	}
	if r.catalog == nil {
		return nil, zerr.With(zerr.Wrap(ErrUnknownType, "codec: resolve graph"), "type", name)
	}
	return r.catalog.New(name)
}

// finish checks that the payload was consumed exactly.
func (r *Reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		r.fail(zerr.With(zerr.New("codec: trailing bytes"), "remaining", len(r.buf)))
	}
	return r.err
}

// count reads a collection length, rejecting lengths that cannot fit in
// the remaining bytes.
func (r *Reader) count() (int, bool) {
	n := r.Uint()
	if r.err != nil {
		return 0, false
	}
	if n > uint64(len(r.buf)) {
		r.fail(zerr.With(zerr.New("codec: collection length exceeds payload"), "length", n))
		return 0, false
	}
	return int(n), true
}

func (r *Reader) enter() bool {
	if r.depth >= maxNesting {
		r.fail(zerr.New("codec: graph nesting too deep"))
		return false
	}
	r.depth++
	return true
}
