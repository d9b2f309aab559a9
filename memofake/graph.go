package memofake

import (
	"github.com/goforj/memo/codec"
)

// Value is a small cacheable graph. Variant takes part in the equivalence
// check; Name and Count do not.
type Value struct {
	Variant string
	Name    string
	Count   int64
	Tags    []string
}

func (v *Value) TypeName() string { return "memofake.Value" }

func (v *Value) MarshalGraph(w *codec.Writer) error {
	w.String(v.Variant)
	w.String(v.Name)
	w.Int(v.Count)
	w.Strings(v.Tags)
	return nil
}

func (v *Value) UnmarshalGraph(r *codec.Reader) error {
	v.Variant = r.String()
	v.Name = r.String()
	v.Count = r.Int()
	v.Tags = r.Strings()
	return r.Err()
}

func (v *Value) Equivalent(other codec.Graph) bool {
	o, ok := other.(*Value)
	return ok && o.Variant == v.Variant
}

// Wrapped decorates another graph.
type Wrapped struct {
	Inner codec.Graph
	Label string
}

func (w *Wrapped) TypeName() string   { return "memofake.Wrapped" }
func (w *Wrapped) Unwrap() codec.Graph { return w.Inner }

func (w *Wrapped) MarshalGraph(wr *codec.Writer) error {
	wr.String(w.Label)
	wr.Graph(w.Inner)
	return nil
}

func (w *Wrapped) UnmarshalGraph(r *codec.Reader) error {
	w.Label = r.String()
	w.Inner = r.Graph()
	return r.Err()
}

// Catalog returns a catalog holding the fake graphs.
func Catalog() *codec.Catalog {
	return codec.NewCatalog(
		func() codec.Graph { return &Value{} },
		func() codec.Graph { return &Wrapped{} },
	)
}
