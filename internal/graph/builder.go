package graph

import (
	"slices"
	"strings"

	"github.com/sells-group/diligence-cli/internal/model"
)

// Cluster is a group of documents connected through shared entities,
// analyzed together in the cross-document pass. A single document with no
// shared entities forms a cluster of its own.
type Cluster struct {
	ID             string   `json:"id"`
	DocumentIDs    []string `json:"document_ids"`
	FindingIDs     []string `json:"finding_ids"`
	SharedEntities []string `json:"shared_entities"`
}

// Options tunes graph construction.
type Options struct {
	// HubLimit stops an entity named in more than HubLimit documents from
	// joining clusters (e.g. the target company itself). Zero disables it.
	HubLimit int
}

// Build assembles the graph from Pass 1 extractions and the run's current
// findings. Deleted findings are left out.
func Build(extractions []model.DocumentExtraction, findings []model.Finding) *Graph {
	g := New()
	for _, ex := range extractions {
		doc := g.AddVertex(DocumentVertexID(ex.DocumentID), KindDocument, ex.Title)
		for _, name := range entityNames(ex) {
			if NormalizeName(name) == "" {
				continue
			}
			ent := g.AddVertex(EntityVertexID(name), KindEntity, strings.TrimSpace(name))
			g.AddEdge(doc, ent, RelMentions)
		}
		for _, c := range ex.Clauses {
			if strings.TrimSpace(c.Reference) == "" {
				continue
			}
			cl := g.AddVertex(ClauseVertexID(ex.DocumentID, c.Reference), KindClause, c.Heading)
			g.AddEdge(doc, cl, RelContains)
		}
	}
	for _, f := range findings {
		if f.Status == model.FindingDeleted {
			continue
		}
		fv := g.AddVertex(FindingVertexID(f.ID), KindFinding, f.Category)
		g.AddEdge(fv, DocumentVertexID(f.Source.DocumentID), RelSourcedFrom)
		if f.Clause != nil && f.Clause.Reference != "" {
			g.AddEdge(fv, ClauseVertexID(f.Source.DocumentID, f.Clause.Reference), RelConcerns)
		}
		if f.Statutory != nil && f.Statutory.Act != "" {
			act := g.AddVertex(EntityVertexID(f.Statutory.Act), KindEntity, f.Statutory.Act)
			g.AddEdge(fv, act, RelCites)
		}
	}
	return g
}

// Clusters groups the graph's documents by shared entities using
// union-find. Clusters are ordered by their smallest document id.
func (g *Graph) Clusters(opts Options) []Cluster {
	docs := g.Vertices(KindDocument)
	if len(docs) == 0 {
		return nil
	}
	index := make(map[string]int, len(docs))
	for i, d := range docs {
		index[d.ID] = i
	}
	uf := newUnionFind(len(docs))

	for _, ent := range g.Vertices(KindEntity) {
		var members []int
		for _, n := range g.adj[ent.ID] {
			if i, ok := index[n]; ok {
				members = append(members, i)
			}
		}
		if len(members) < 2 || (opts.HubLimit > 0 && len(members) > opts.HubLimit) {
			continue
		}
		for _, m := range members[1:] {
			uf.union(members[0], m)
		}
	}

	groups := make(map[int][]int)
	for i := range docs {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	out := make([]Cluster, 0, len(groups))
	for _, members := range groups {
		out = append(out, g.cluster(docs, members))
	}
	slices.SortFunc(out, func(a, b Cluster) int {
		return strings.Compare(a.DocumentIDs[0], b.DocumentIDs[0])
	})
	return out
}

func (g *Graph) cluster(docs []Vertex, members []int) Cluster {
	c := Cluster{DocumentIDs: make([]string, 0, len(members))}
	entityDocs := make(map[string]int)
	for _, i := range members {
		docVertex := docs[i].ID
		c.DocumentIDs = append(c.DocumentIDs, strings.TrimPrefix(docVertex, "doc:"))
		for _, n := range g.adj[docVertex] {
			v := g.vertices[n]
			switch v.Kind {
			case KindFinding:
				c.FindingIDs = append(c.FindingIDs, strings.TrimPrefix(n, "finding:"))
			case KindEntity:
				entityDocs[v.Label]++
			}
		}
	}
	for name, n := range entityDocs {
		if n > 1 {
			c.SharedEntities = append(c.SharedEntities, name)
		}
	}
	slices.Sort(c.DocumentIDs)
	slices.Sort(c.FindingIDs)
	slices.Sort(c.SharedEntities)
	c.ID = ClusterID(c.DocumentIDs)
	return c
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
