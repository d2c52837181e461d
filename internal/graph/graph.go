// Package graph builds the cross-document knowledge graph used by the
// cross-document pass. Documents, the parties and entities they mention,
// their clauses and the findings raised against them are vertices; the
// relations between them are edges. Documents connected through a shared
// entity form a cluster.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/diligence-cli/internal/model"
)

// Vertex kinds.
const (
	KindDocument = "document"
	KindEntity   = "entity"
	KindClause   = "clause"
	KindFinding  = "finding"
)

// Relation types.
const (
	RelMentions    = "mentions"
	RelContains    = "contains"
	RelSourcedFrom = "sourced_from"
	RelConcerns    = "concerns"
	RelCites       = "cites"
)

// Vertex is a node of the knowledge graph.
type Vertex struct {
	ID    string
	Kind  string
	Label string
}

// Edge is an undirected relation between two vertices.
type Edge struct {
	From     string
	To       string
	Relation string
}

type edgeKey struct{ a, b, rel string }

// Graph is an in-memory undirected multigraph with at most one edge per
// vertex pair and relation.
type Graph struct {
	vertices map[string]Vertex
	order    []string
	edges    map[edgeKey]struct{}
	adj      map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		vertices: make(map[string]Vertex),
		edges:    make(map[edgeKey]struct{}),
		adj:      make(map[string][]string),
	}
}

var fold = cases.Fold()

// NormalizeName folds case and collapses whitespace so "ACME  Ltd" and
// "Acme Ltd" resolve to the same entity.
func NormalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".,;:")
	return fold.String(s)
}

// AddVertex inserts a vertex if absent and returns its id.
func (g *Graph) AddVertex(id, kind, label string) string {
	if _, ok := g.vertices[id]; ok {
		return id
	}
	g.vertices[id] = Vertex{ID: id, Kind: kind, Label: label}
	g.order = append(g.order, id)
	return id
}

// AddEdge links two existing vertices. It reports false for self loops,
// unknown vertices and duplicates.
func (g *Graph) AddEdge(from, to, rel string) bool {
	if from == to {
		return false
	}
	if _, ok := g.vertices[from]; !ok {
		return false
	}
	if _, ok := g.vertices[to]; !ok {
		return false
	}
	a, b := from, to
	if b < a {
		a, b = b, a
	}
	k := edgeKey{a, b, rel}
	if _, ok := g.edges[k]; ok {
		return false
	}
	g.edges[k] = struct{}{}
	g.adj[from] = append(g.adj[from], to)
	g.adj[to] = append(g.adj[to], from)
	return true
}

// Vertex returns the vertex with id.
func (g *Graph) Vertex(id string) (Vertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

// Neighbors returns the ids adjacent to id in insertion order.
func (g *Graph) Neighbors(id string) []string {
	return slices.Clone(g.adj[id])
}

// VertexCount returns the number of vertices.
func (g *Graph) VertexCount() int { return len(g.vertices) }

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Vertices returns all vertices of kind, or all vertices when kind is empty,
// in insertion order.
func (g *Graph) Vertices(kind string) []Vertex {
	var out []Vertex
	for _, id := range g.order {
		v := g.vertices[id]
		if kind == "" || v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// DocumentVertexID returns the vertex id of a document.
func DocumentVertexID(docID string) string { return "doc:" + docID }

// EntityVertexID returns the vertex id of a normalized entity name.
func EntityVertexID(name string) string { return "ent:" + NormalizeName(name) }

// ClauseVertexID returns the vertex id of a clause within a document.
func ClauseVertexID(docID, ref string) string { return "clause:" + docID + ":" + strings.TrimSpace(ref) }

// FindingVertexID returns the vertex id of a finding.
func FindingVertexID(findingID string) string { return "finding:" + findingID }

// ClusterID derives a stable cluster id from its member documents, so the
// same grouping keeps its id across resumed invocations.
func ClusterID(docIDs []string) string {
	ids := slices.Clone(docIDs)
	slices.Sort(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\x00")))
	return "cl-" + hex.EncodeToString(sum[:8])
}

// entityNames lists the parties and named entities of an extraction.
func entityNames(ex model.DocumentExtraction) []string {
	names := make([]string, 0, len(ex.Parties)+len(ex.Entities))
	names = append(names, ex.Parties...)
	names = append(names, ex.Entities...)
	return names
}
