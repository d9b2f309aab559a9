// Package codec writes and reads memo envelopes.
//
// An envelope is a fixed header followed by one graph payload:
//
//	varint format_version | bytes release | bytes revision | varint type_id | bytes payload
//
// The header is never compressed or encrypted so that version checks and
// inspection work without keys. Graph payloads are positional field streams
// produced by Writer and consumed by Reader.
package codec

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goforj/memo/registry"
	"go.trai.ch/zerr"
	"google.golang.org/protobuf/encoding/protowire"
)

// FormatVersion is the envelope layout version written by this package.
// It covers the header layout, the wire encoding and registry.ReservedIDs.
const FormatVersion uint64 = 1

// VersionPolicy decides which release and revision tags a decoder accepts.
type VersionPolicy int

const (
	// PolicyStrict accepts envelopes whose release major.minor and revision
	// tag both match.
	PolicyStrict VersionPolicy = iota
	// PolicyRelaxed accepts envelopes whose release major.minor matches.
	PolicyRelaxed
)

func (p VersionPolicy) String() string {
	switch p {
	case PolicyRelaxed:
		return "relaxed"
	default:
		return "strict"
	}
}

// ParseVersionPolicy parses "strict" or "relaxed". The empty string is strict.
func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PolicyStrict, nil
	case "relaxed":
		return PolicyRelaxed, nil
	default:
		return PolicyStrict, zerr.With(zerr.New("codec: unknown version policy"), "policy", s)
	}
}

// UnmarshalText lets VersionPolicy be parsed from env vars and YAML.
func (p *VersionPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseVersionPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText renders the policy name.
func (p VersionPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Options configures a Codec.
type Options struct {
	// FormatVersion defaults to the package FormatVersion.
	FormatVersion uint64
	Release       string
	Revision      string
	Policy        VersionPolicy
	Catalog       *Catalog
	Compression   Compression
	// EncryptionKey enables AES-GCM sealing of payloads when set.
	EncryptionKey []byte
}

// Codec encodes and decodes envelopes. It is safe for concurrent use.
type Codec struct {
	format   uint64
	release  string
	revision string
	policy   VersionPolicy
	catalog  *Catalog
	shaper   *shaper
}

// New returns a codec for opts.
func New(opts Options) (*Codec, error) {
	if opts.FormatVersion == 0 {
		opts.FormatVersion = FormatVersion
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}
	s, err := newShaper(opts.Compression, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Codec{
		format:   opts.FormatVersion,
		release:  opts.Release,
		revision: opts.Revision,
		policy:   opts.Policy,
		catalog:  opts.Catalog,
		shaper:   s,
	}, nil
}

// Catalog returns the factories used to rebuild graphs.
func (c *Codec) Catalog() *Catalog { return c.catalog }

// Policy returns the version acceptance policy.
func (c *Codec) Policy() VersionPolicy { return c.policy }

// Header is the unshaped prefix of an envelope.
type Header struct {
	FormatVersion uint64
	Release       string
	Revision      string
	TypeID        uint64
}

// Encode writes g as one envelope. New type ids are persisted in reg before
// any byte reaches w.
func (c *Codec) Encode(ctx context.Context, w io.Writer, reg *registry.Registry, g Graph) error {
	if g == nil {
		return ErrNilGraph
	}
	id, err := reg.ID(ctx, g.TypeName())
	if err != nil {
		return zerr.With(zerr.Wrap(err, "codec: resolve type id"), "type", g.TypeName())
	}
	gw := NewWriter(ctx, reg)
	if err := g.MarshalGraph(gw); err != nil {
		return zerr.With(zerr.Wrap(err, "codec: marshal graph"), "type", g.TypeName())
	}
	if err := gw.Err(); err != nil {
		return zerr.With(zerr.Wrap(err, "codec: write graph"), "type", g.TypeName())
	}
	payload, err := c.shaper.shape(gw.Encoded())
	if err != nil {
		return zerr.Wrap(err, "codec: shape payload")
	}

	buf := make([]byte, 0, len(payload)+len(c.release)+len(c.revision)+32)
	buf = protowire.AppendVarint(buf, c.format)
	buf = protowire.AppendString(buf, c.release)
	buf = protowire.AppendString(buf, c.revision)
	buf = protowire.AppendVarint(buf, id)
	buf = protowire.AppendBytes(buf, payload)
	if _, err := w.Write(buf); err != nil {
		return zerr.Wrap(err, "codec: write envelope")
	}
	return nil
}

// Decode reads one envelope from r. Every failure, including a panic inside
// a graph's UnmarshalGraph, is reported as an error matching ErrInvalidData.
func (c *Codec) Decode(ctx context.Context, r io.Reader, reg *registry.Registry) (g Graph, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			g = nil
			err = invalid(zerr.With(zerr.New("codec: panic during decode"), "panic", fmt.Sprint(rec)))
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, invalid(zerr.Wrap(err, "codec: read envelope"))
	}
	h, payload, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := c.Accepts(h); err != nil {
		return nil, err
	}

	gr := NewReader(ctx, reg, c.catalog, nil)
	root, err := gr.newGraph(h.TypeID)
	if err != nil {
		return nil, invalid(err)
	}
	plain, err := c.shaper.unshape(payload)
	if err != nil {
		return nil, err
	}
	gr.buf = plain
	if err := root.UnmarshalGraph(gr); err != nil {
		return nil, invalid(zerr.With(zerr.Wrap(err, "codec: unmarshal graph"), "type", root.TypeName()))
	}
	if err := gr.finish(); err != nil {
		return nil, invalid(zerr.With(zerr.Wrap(err, "codec: read graph"), "type", root.TypeName()))
	}
	return root, nil
}

// DecodeAs decodes one envelope and checks it against the requested
// prototype. A mismatch is reported as ErrNotEquivalent, which also matches
// ErrInvalidData.
func (c *Codec) DecodeAs(ctx context.Context, r io.Reader, reg *registry.Registry, want Graph) (Graph, error) {
	g, err := c.Decode(ctx, r, reg)
	if err != nil {
		return nil, err
	}
	if want != nil && !Equivalent(want, g) {
		return nil, invalid(zerr.With(zerr.Wrap(ErrNotEquivalent, "codec: decode as"), "type", g.TypeName()))
	}
	return g, nil
}

// Accepts checks h against the codec's format version and version policy.
func (c *Codec) Accepts(h Header) error {
	if h.FormatVersion != c.format {
		err := zerr.With(zerr.Wrap(ErrFormatVersion, "codec: accept header"), "got", h.FormatVersion)
		return invalid(zerr.With(err, "want", c.format))
	}
	if majorMinor(h.Release) != majorMinor(c.release) {
		err := zerr.With(zerr.Wrap(ErrSoftwareVersion, "codec: accept header"), "release", h.Release)
		return invalid(zerr.With(err, "want", c.release))
	}
	if c.policy == PolicyStrict && h.Revision != c.revision {
		err := zerr.With(zerr.Wrap(ErrSoftwareVersion, "codec: accept header"), "revision", h.Revision)
		return invalid(zerr.With(err, "want", c.revision))
	}
	return nil
}

// ParseHeader splits an envelope into its header and shaped payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	var h Header
	var n int

	h.FormatVersion, n = protowire.ConsumeVarint(data)
	if n < 0 {
		return Header{}, nil, invalid(zerr.Wrap(protowire.ParseError(n), "codec: format version"))
	}
	data = data[n:]
	h.Release, n = protowire.ConsumeString(data)
	if n < 0 {
		return Header{}, nil, invalid(zerr.Wrap(protowire.ParseError(n), "codec: release tag"))
	}
	data = data[n:]
	h.Revision, n = protowire.ConsumeString(data)
	if n < 0 {
		return Header{}, nil, invalid(zerr.Wrap(protowire.ParseError(n), "codec: revision tag"))
	}
	data = data[n:]
	h.TypeID, n = protowire.ConsumeVarint(data)
	if n < 0 {
		return Header{}, nil, invalid(zerr.Wrap(protowire.ParseError(n), "codec: type id"))
	}
	data = data[n:]
	payload, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return Header{}, nil, invalid(zerr.Wrap(protowire.ParseError(n), "codec: payload"))
	}
	if len(data[n:]) != 0 {
		return Header{}, nil, invalid(zerr.With(zerr.New("codec: trailing bytes after payload"), "remaining", len(data[n:])))
	}
	return h, payload, nil
}

// majorMinor returns the first two dot-separated components of a release tag.
func majorMinor(release string) string {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}
