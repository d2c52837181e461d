package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence-cli/internal/model"
)

func extraction(id string, parties ...string) model.DocumentExtraction {
	return model.DocumentExtraction{DocumentID: id, Title: "Doc " + id, Parties: parties}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, NormalizeName("Acme Ltd"), NormalizeName("  ACME   ltd. "))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestAddEdgeRejectsDuplicatesAndUnknown(t *testing.T) {
	g := New()
	a := g.AddVertex("a", KindDocument, "A")
	b := g.AddVertex("b", KindEntity, "B")
	g.AddVertex("a", KindDocument, "ignored")

	assert.True(t, g.AddEdge(a, b, RelMentions))
	assert.False(t, g.AddEdge(b, a, RelMentions))
	assert.True(t, g.AddEdge(b, a, RelCites))
	assert.False(t, g.AddEdge(a, a, RelMentions))
	assert.False(t, g.AddEdge(a, "missing", RelMentions))

	assert.Equal(t, 2, g.VertexCount())
	assert.Equal(t, 2, g.EdgeCount())
	v, ok := g.Vertex("a")
	require.True(t, ok)
	assert.Equal(t, "A", v.Label)
}

func TestBuildCounts(t *testing.T) {
	ex := extraction("d1", "Acme Ltd", "Landlord Co")
	ex.Clauses = []model.ClauseRef{{Reference: "4.2", Heading: "Assignment"}}
	findings := []model.Finding{
		{ID: "f1", Source: model.SourcePointer{DocumentID: "d1"}, Clause: &model.ClauseReference{Reference: "4.2"},
			Statutory: &model.StatutoryReference{Act: "Landlord and Tenant Act 1954"}},
		{ID: "f2", Source: model.SourcePointer{DocumentID: "d1"}, Status: model.FindingDeleted},
	}

	g := Build([]model.DocumentExtraction{ex}, findings)

	// doc, 2 parties, clause, finding, statute
	assert.Equal(t, 6, g.VertexCount())
	// 2 mentions, contains, sourced_from, concerns, cites
	assert.Equal(t, 6, g.EdgeCount())
	_, ok := g.Vertex(FindingVertexID("f2"))
	assert.False(t, ok)
}

func TestClustersBySharedEntity(t *testing.T) {
	g := Build([]model.DocumentExtraction{
		extraction("d3", "Beta Inc"),
		extraction("d1", "Acme Ltd", "Landlord Co"),
		extraction("d2", "ACME LTD"),
		extraction("d4"),
	}, []model.Finding{
		{ID: "f1", Source: model.SourcePointer{DocumentID: "d2"}},
	})

	clusters := g.Clusters(Options{})
	require.Len(t, clusters, 3)

	assert.Equal(t, []string{"d1", "d2"}, clusters[0].DocumentIDs)
	assert.Equal(t, []string{"f1"}, clusters[0].FindingIDs)
	assert.Equal(t, []string{"Acme Ltd"}, clusters[0].SharedEntities)

	assert.Equal(t, []string{"d3"}, clusters[1].DocumentIDs)
	assert.Empty(t, clusters[1].SharedEntities)
	assert.Equal(t, []string{"d4"}, clusters[2].DocumentIDs)
}

func TestClustersHubLimit(t *testing.T) {
	g := Build([]model.DocumentExtraction{
		extraction("d1", "Target Co", "Bank A"),
		extraction("d2", "Target Co", "Bank A"),
		extraction("d3", "Target Co"),
	}, nil)

	assert.Len(t, g.Clusters(Options{}), 1)

	clusters := g.Clusters(Options{HubLimit: 2})
	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"d1", "d2"}, clusters[0].DocumentIDs)
	assert.Equal(t, []string{"d3"}, clusters[1].DocumentIDs)
}

func TestClusterIDStable(t *testing.T) {
	assert.Equal(t, ClusterID([]string{"b", "a"}), ClusterID([]string{"a", "b"}))
	assert.NotEqual(t, ClusterID([]string{"a"}), ClusterID([]string{"a", "b"}))

	g := Build([]model.DocumentExtraction{extraction("only")}, nil)
	clusters := g.Clusters(Options{})
	require.Len(t, clusters, 1)
	assert.Equal(t, ClusterID([]string{"only"}), clusters[0].ID)
}

func TestClustersEmpty(t *testing.T) {
	assert.Nil(t, New().Clusters(Options{}))
}
