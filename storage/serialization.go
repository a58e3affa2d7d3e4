// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/codex/core"
)

// Record format versions. Bump when a layout changes.
const (
	fragmentFormat   = 1
	nodeFormat       = 1
	edgeFormat       = 1
	checkpointFormat = 1
)

// encoder appends MUS-encoded primitives to a growing buffer.
type encoder struct {
	bs []byte
}

func (e *encoder) reserve(n int) []byte {
	l := len(e.bs)
	e.bs = slices.Grow(e.bs, n)[:l+n]
	return e.bs[l:]
}

func (e *encoder) putUint64(v uint64) {
	varint.Uint64.Marshal(v, e.reserve(varint.Uint64.Size(v)))
}

func (e *encoder) putInt64(v int64) {
	varint.Int64.Marshal(v, e.reserve(varint.Int64.Size(v)))
}

func (e *encoder) putInt(v int) {
	e.putInt64(int64(v))
}

func (e *encoder) putString(v string) {
	ord.String.Marshal(v, e.reserve(ord.String.Size(v)))
}

func (e *encoder) putBool(v bool) {
	ord.Bool.Marshal(v, e.reserve(ord.Bool.Size(v)))
}

func (e *encoder) putFloat64(v float64) {
	raw.Float64.Marshal(v, e.reserve(raw.Float64.Size(v)))
}

// Unix micro timestamps
func (e *encoder) putTime(t time.Time) {
	e.putInt64(t.UnixMicro())
}

func (e *encoder) putVector(v []float32) {
	e.putInt(len(v))
	for _, f := range v {
		raw.Float32.Marshal(f, e.reserve(raw.Float32.Size(f)))
	}
}

func (e *encoder) putTerms(terms []core.Term) {
	e.putInt(len(terms))
	for _, t := range terms {
		e.putString(t.Text)
		e.putInt(t.Freq)
	}
}

// Keys are written sorted so identical maps encode identically.
func (e *encoder) putStringMap(m map[string]string) {
	e.putInt(len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e.putString(k)
		e.putString(m[k])
	}
}

// decoder reads MUS-encoded primitives. The first failure sticks in err.
type decoder struct {
	bs  []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.bs[d.off:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs[d.off:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) int() int {
	return int(d.int64())
}

// length reads a collection length, rejecting values the remaining input cannot hold.
func (d *decoder) length() int {
	n := d.int()
	if d.err == nil && (n < 0 || n > len(d.bs)-d.off) {
		d.fail(ErrTruncatedData)
		return 0
	}
	return n
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs[d.off:])
	if err != nil {
		d.fail(err)
		return ""
	}
	d.off += n
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.bs[d.off:])
	if err != nil {
		d.fail(err)
		return false
	}
	d.off += n
	return v
}

func (d *decoder) float64() float64 {
	if d.err != nil {
		return 0
	}
	v, n, err := raw.Float64.Unmarshal(d.bs[d.off:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) time() time.Time {
	micros := d.int64()
	if d.err != nil {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

func (d *decoder) vector() []float32 {
	n := d.length()
	if n == 0 {
		return nil
	}
	v := make([]float32, n)
	for i := range v {
		if d.err != nil {
			return nil
		}
		f, read, err := raw.Float32.Unmarshal(d.bs[d.off:])
		if err != nil {
			d.fail(err)
			return nil
		}
		d.off += read
		v[i] = f
	}
	return v
}

func (d *decoder) terms() []core.Term {
	n := d.length()
	if n == 0 {
		return nil
	}
	terms := make([]core.Term, n)
	for i := range terms {
		terms[i].Text = d.string()
		terms[i].Freq = d.int()
	}
	if d.err != nil {
		return nil
	}
	return terms
}

func (d *decoder) stringMap() map[string]string {
	n := d.length()
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := d.string()
		m[k] = d.string()
	}
	if d.err != nil {
		return nil
	}
	return m
}

func (d *decoder) expectFormat(want uint64) {
	if got := d.uint64(); d.err == nil && got != want {
		d.fail(fmt.Errorf("unsupported record format %d", got))
	}
}

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	var e encoder
	e.putUint64(uint64(id))
	return e.bs
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	d := decoder{bs: data}
	id := core.ID(d.uint64())
	return id, d.err
}

// MarshalInt serializes a small integer such as an embedding dimension.
func MarshalInt(v int) []byte {
	var e encoder
	e.putInt(v)
	return e.bs
}

// UnmarshalInt deserializes an integer written by MarshalInt.
func UnmarshalInt(data []byte) (int, error) {
	d := decoder{bs: data}
	v := d.int()
	return v, d.err
}

// MarshalFragment serializes a ContentFragment to bytes.
func MarshalFragment(f *core.ContentFragment) []byte {
	var e encoder
	e.putUint64(fragmentFormat)
	e.putUint64(uint64(f.Id))
	e.putString(string(f.TenantID))
	e.putBool(f.IsGlobal)
	e.putString(f.CollectionID)
	e.putString(f.SourceID)
	e.putString(f.Content)
	e.putVector(f.Vector)
	e.putTerms(f.Terms)
	e.putInt(f.TokenCount)
	e.putStringMap(f.Metadata)
	e.putTime(f.InsertedAt)
	e.putTime(f.UpdatedAt)
	return e.bs
}

// UnmarshalFragment deserializes a ContentFragment from bytes.
func UnmarshalFragment(data []byte) (*core.ContentFragment, error) {
	d := decoder{bs: data}
	d.expectFormat(fragmentFormat)
	f := &core.ContentFragment{}
	f.Id = core.ID(d.uint64())
	f.TenantID = core.TenantID(d.string())
	f.IsGlobal = d.bool()
	f.CollectionID = d.string()
	f.SourceID = d.string()
	f.Content = d.string()
	f.Vector = d.vector()
	f.Terms = d.terms()
	f.TokenCount = d.int()
	f.Metadata = d.stringMap()
	f.InsertedAt = d.time()
	f.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return f, nil
}

// MarshalNode serializes a KnowledgeNode to bytes.
func MarshalNode(n *core.KnowledgeNode) []byte {
	var e encoder
	e.putUint64(nodeFormat)
	e.putUint64(uint64(n.Id))
	e.putString(string(n.TenantID))
	e.putString(string(n.Type))
	e.putString(n.Name)
	e.putString(n.Content)
	e.putVector(n.Vector)
	e.putTerms(n.Terms)
	e.putInt(n.TokenCount)
	e.putStringMap(n.Properties)
	e.putTime(n.InsertedAt)
	e.putTime(n.UpdatedAt)
	return e.bs
}

// UnmarshalNode deserializes a KnowledgeNode from bytes.
func UnmarshalNode(data []byte) (*core.KnowledgeNode, error) {
	d := decoder{bs: data}
	d.expectFormat(nodeFormat)
	n := &core.KnowledgeNode{}
	n.Id = core.ID(d.uint64())
	n.TenantID = core.TenantID(d.string())
	n.Type = core.NodeType(d.string())
	n.Name = d.string()
	n.Content = d.string()
	n.Vector = d.vector()
	n.Terms = d.terms()
	n.TokenCount = d.int()
	n.Properties = d.stringMap()
	n.InsertedAt = d.time()
	n.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return n, nil
}

// MarshalEdge serializes a KnowledgeEdge to bytes.
func MarshalEdge(edge *core.KnowledgeEdge) []byte {
	var e encoder
	e.putUint64(edgeFormat)
	e.putUint64(uint64(edge.Id))
	e.putString(string(edge.TenantID))
	e.putUint64(uint64(edge.SourceID))
	e.putUint64(uint64(edge.TargetID))
	e.putString(string(edge.Type))
	e.putFloat64(edge.Weight)
	e.putString(edge.Description)
	e.putInt(edge.UsageCount)
	e.putStringMap(edge.Metadata)
	e.putTime(edge.InsertedAt)
	e.putTime(edge.UpdatedAt)
	return e.bs
}

// UnmarshalEdge deserializes a KnowledgeEdge from bytes.
func UnmarshalEdge(data []byte) (*core.KnowledgeEdge, error) {
	d := decoder{bs: data}
	d.expectFormat(edgeFormat)
	edge := &core.KnowledgeEdge{}
	edge.Id = core.ID(d.uint64())
	edge.TenantID = core.TenantID(d.string())
	edge.SourceID = core.ID(d.uint64())
	edge.TargetID = core.ID(d.uint64())
	edge.Type = core.EdgeType(d.string())
	edge.Weight = d.float64()
	edge.Description = d.string()
	edge.UsageCount = d.int()
	edge.Metadata = d.stringMap()
	edge.InsertedAt = d.time()
	edge.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return edge, nil
}

// MarshalCheckpoint serializes a Checkpoint to bytes.
func MarshalCheckpoint(c *core.Checkpoint) []byte {
	var e encoder
	e.putUint64(checkpointFormat)
	e.putString(c.ProcessorType)
	e.putUint64(uint64(c.LastID))
	e.putTime(c.UpdatedAt)
	return e.bs
}

// UnmarshalCheckpoint deserializes a Checkpoint from bytes.
func UnmarshalCheckpoint(data []byte) (*core.Checkpoint, error) {
	d := decoder{bs: data}
	d.expectFormat(checkpointFormat)
	c := &core.Checkpoint{}
	c.ProcessorType = d.string()
	c.LastID = core.ID(d.uint64())
	c.UpdatedAt = d.time()
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}
