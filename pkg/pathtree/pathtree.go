// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package pathtree provides an arena-backed tree keyed by slash-delimited
// path segments. Every node may carry a payload that is folded in place on
// each insertion, which makes it a compact way to aggregate many pathlines
// that share prefixes.
package pathtree

import (
	"encoding/json"
	"sort"
	"strings"
)

// Separator splits a pathline into segments.
const Separator = "/"

// NodeID addresses a node inside a Tree's arena. The root is always 0.
type NodeID int

// Root is the id of the tree's root node.
const Root NodeID = 0

type node[T any] struct {
	segment    string
	parent     NodeID
	children   map[string]NodeID
	payload    T
	hasPayload bool
}

// Tree is a path trie whose nodes live in a single slice. Node ids stay valid
// for the lifetime of the tree because nodes are never removed.
//
// A Tree is not safe for concurrent mutation. It is built by one goroutine and
// then handed off read-only.
type Tree[T any] struct {
	nodes []node[T]
}

// New returns a tree holding only the root node.
func New[T any]() *Tree[T] {
	return &Tree[T]{nodes: []node[T]{{parent: -1}}}
}

// Presence is the payload type for trees that only record path shape.
type Presence = struct{}

// NewPresence returns a presence-only tree.
func NewPresence() *Tree[Presence] { return New[Presence]() }

// Split returns the non-empty segments of path. "/a//b/" and "a/b" both
// yield [a b]; "/" and "" yield nothing.
func Split(path string) []string {
	raw := strings.Split(path, Separator)
	out := raw[:0]
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Insert walks path from the root, creating nodes as needed, and applies
// mutate to the payload at the terminal node. A node reached for the first
// time starts from T's zero value, so repeated inserts accumulate.
func (t *Tree[T]) Insert(path string, mutate func(*T)) NodeID {
	id := Root
	for _, seg := range Split(path) {
		id = t.child(id, seg)
	}
	n := &t.nodes[id]
	n.hasPayload = true
	if mutate != nil {
		mutate(&n.payload)
	}
	return id
}

// Touch marks path as present without changing its payload.
func (t *Tree[T]) Touch(path string) NodeID {
	return t.Insert(path, nil)
}

func (t *Tree[T]) child(parent NodeID, seg string) NodeID {
	p := &t.nodes[parent]
	if id, ok := p.children[seg]; ok {
		return id
	}
	if p.children == nil {
		p.children = make(map[string]NodeID)
	}
	id := NodeID(len(t.nodes))
	p.children[seg] = id
	// p may be invalidated by the append below.
	t.nodes = append(t.nodes, node[T]{segment: seg, parent: parent})
	return id
}

// Lookup returns the node addressed by path.
func (t *Tree[T]) Lookup(path string) (NodeID, bool) {
	id := Root
	for _, seg := range Split(path) {
		next, ok := t.nodes[id].children[seg]
		if !ok {
			return 0, false
		}
		id = next
	}
	return id, true
}

// Payload returns the payload stored at id and whether any insertion ended there.
func (t *Tree[T]) Payload(id NodeID) (T, bool) {
	if !t.valid(id) {
		var zero T
		return zero, false
	}
	n := t.nodes[id]
	return n.payload, n.hasPayload
}

// Get is Lookup followed by Payload.
func (t *Tree[T]) Get(path string) (T, bool) {
	id, ok := t.Lookup(path)
	if !ok {
		var zero T
		return zero, false
	}
	return t.Payload(id)
}

// Segment returns the path segment of id; the root's segment is empty.
func (t *Tree[T]) Segment(id NodeID) string {
	if !t.valid(id) {
		return ""
	}
	return t.nodes[id].segment
}

// Parent returns the parent of id, or -1 for the root.
func (t *Tree[T]) Parent(id NodeID) NodeID {
	if !t.valid(id) {
		return -1
	}
	return t.nodes[id].parent
}

// Children returns the children of id ordered by segment.
func (t *Tree[T]) Children(id NodeID) []NodeID {
	if !t.valid(id) {
		return nil
	}
	kids := t.nodes[id].children
	segs := make([]string, 0, len(kids))
	for s := range kids {
		segs = append(segs, s)
	}
	sort.Strings(segs)
	out := make([]NodeID, len(segs))
	for i, s := range segs {
		out[i] = kids[s]
	}
	return out
}

// PathOf rebuilds the canonical "/a/b" pathline of id. The root is "/".
func (t *Tree[T]) PathOf(id NodeID) string {
	if !t.valid(id) || id == Root {
		return Separator
	}
	var segs []string
	for cur := id; cur != Root; cur = t.nodes[cur].parent {
		segs = append(segs, t.nodes[cur].segment)
	}
	var b strings.Builder
	for i := len(segs) - 1; i >= 0; i-- {
		b.WriteString(Separator)
		b.WriteString(segs[i])
	}
	return b.String()
}

// Len returns the number of nodes, root included.
func (t *Tree[T]) Len() int { return len(t.nodes) }

// Walk visits nodes depth-first, parents before children and siblings in
// segment order. Returning false from fn stops the walk.
func (t *Tree[T]) Walk(fn func(id NodeID, path string) bool) {
	type frame struct {
		id   NodeID
		path string
	}
	stack := []frame{{Root, Separator}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(f.id, f.path) {
			return
		}
		kids := t.Children(f.id)
		for i := len(kids) - 1; i >= 0; i-- {
			seg := t.nodes[kids[i]].segment
			p := f.path + seg
			if f.path != Separator {
				p = f.path + Separator + seg
			}
			stack = append(stack, frame{kids[i], p})
		}
	}
}

// FlatNode is the serialized form of a single node.
type FlatNode[T any] struct {
	ID         NodeID `json:"id"`
	Parent     NodeID `json:"parent"`
	Segment    string `json:"segment"`
	Path       string `json:"path"`
	HasPayload bool   `json:"has_payload"`
	Payload    T      `json:"payload,omitempty"`
}

// Flatten returns every node in walk order.
func (t *Tree[T]) Flatten() []FlatNode[T] {
	out := make([]FlatNode[T], 0, len(t.nodes))
	t.Walk(func(id NodeID, path string) bool {
		n := t.nodes[id]
		out = append(out, FlatNode[T]{
			ID:         id,
			Parent:     n.parent,
			Segment:    n.segment,
			Path:       path,
			HasPayload: n.hasPayload,
			Payload:    n.payload,
		})
		return true
	})
	return out
}

// MarshalJSON encodes the tree as its flattened node list.
func (t *Tree[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Flatten())
}

func (t *Tree[T]) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes)
}
