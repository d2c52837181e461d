package pipeline

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/graph"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
	"github.com/sells-group/diligence-cli/internal/store"
)

// crossDocPass builds the knowledge graph, derives the clusters once at
// pass start and reviews every cluster not yet processed.
func (o *Orchestrator) crossDocPass(ctx context.Context, st *runState) error {
	findings, err := o.activeFindings(ctx, st.run.ID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	exts := make([]model.DocumentExtraction, 0, len(st.docs))
	for _, d := range st.docs {
		ex, ok := st.cp.Pass1Extractions.Get(d.ID)
		if !ok {
			ex = model.DocumentExtraction{DocumentID: d.ID, Title: d.Name}
		}
		exts = append(exts, ex)
	}
	st.mu.Unlock()

	g := graph.Build(exts, findings)
	clusters := g.Clusters(graph.Options{HubLimit: o.cfg.Pipeline.HubEntityLimit})

	byCluster := make(map[string]graph.Cluster, len(clusters))
	var pending []string
	err = o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.GraphVertices = max(cp.GraphVertices, g.VertexCount())
		cp.GraphEdges = max(cp.GraphEdges, g.EdgeCount())
		cp.CurrentStage = "cross_document"
		for _, c := range clusters {
			byCluster[c.ID] = c
			if !cp.ClustersProcessed.Has(c.ID) {
				pending = append(pending, c.ID)
			}
		}
	})
	if err != nil {
		return err
	}
	st.log.Info("pipeline: knowledge graph built",
		zap.Int("vertices", g.VertexCount()),
		zap.Int("edges", g.EdgeCount()),
		zap.Int("clusters", len(clusters)),
		zap.Int("pending_clusters", len(pending)),
	)

	extByID := make(map[string]model.DocumentExtraction, len(exts))
	for _, ex := range exts {
		extByID[ex.DocumentID] = ex
	}
	findingByID := make(map[string]model.Finding, len(findings))
	for _, f := range findings {
		findingByID[f.ID] = f
	}

	return o.forEachUnit(ctx, st, model.PassCrossDoc, pending, func(ctx context.Context, id string) error {
		c := byCluster[id]
		clusterExts := make([]model.DocumentExtraction, 0, len(c.DocumentIDs))
		for _, d := range c.DocumentIDs {
			clusterExts = append(clusterExts, extByID[d])
		}
		clusterFindings := make([]model.Finding, 0, len(c.FindingIDs))
		for _, fid := range c.FindingIDs {
			clusterFindings = append(clusterFindings, findingByID[fid])
		}
		return o.analyzeCluster(ctx, st, c, clusterExts, clusterFindings)
	})
}

func (o *Orchestrator) analyzeCluster(ctx context.Context, st *runState, c graph.Cluster, exts []model.DocumentExtraction, findings []model.Finding) error {
	raw, err := o.call(ctx, st, model.PassCrossDoc, c.ID,
		o.system(st, crossDocInstructions),
		crossDocPrompt(c, exts, findings))
	if err != nil {
		return err
	}

	var reply crossDocReply
	if err := decodeReply(raw, &reply); err != nil {
		o.warn(st, c.ID, resilience.NewStructuralError("cross_document", err))
		return o.finishCluster(ctx, st, c.ID)
	}

	inCluster := func(docs []string) []string {
		var out []string
		for _, d := range docs {
			if slices.Contains(c.DocumentIDs, d) && !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
		slices.Sort(out)
		return out
	}

	promos := make([]promotion, 0, len(reply.Findings))
	for _, cf := range reply.Findings {
		docs := inCluster(cf.Documents)
		if len(docs) == 0 {
			docs = []string{c.DocumentIDs[0]}
		}
		promos = append(promos, promotion{candidate: cf.FindingCandidate, docID: docs[0], crossDocs: docs})
	}
	if err := o.promote(ctx, st, model.PassCrossDoc, c.ID, promos); err != nil {
		return err
	}

	for _, l := range reply.Links {
		if !slices.Contains(c.FindingIDs, l.FindingID) {
			o.warn(st, c.ID, resilience.NewStructuralError("cross_document",
				eris.Errorf("link to unknown finding %q", l.FindingID)))
			continue
		}
		if err := o.linkFinding(ctx, l.FindingID, inCluster(l.Documents)); err != nil {
			return err
		}
	}
	return o.finishCluster(ctx, st, c.ID)
}

// linkFinding adds docs to a finding's cross-document sources.
func (o *Orchestrator) linkFinding(ctx context.Context, findingID string, docs []string) error {
	f, err := o.store.GetFinding(ctx, findingID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load finding %s", findingID)
	}
	changed := false
	for _, d := range docs {
		if d == f.Source.DocumentID || slices.Contains(f.CrossDocSource, d) {
			continue
		}
		f.CrossDocSource = append(f.CrossDocSource, d)
		changed = true
	}
	if !changed {
		return nil
	}
	slices.Sort(f.CrossDocSource)
	f.UpdatedAt = o.now().UTC()
	return eris.Wrapf(o.store.UpdateFinding(ctx, f), "pipeline: link finding %s", findingID)
}

func (o *Orchestrator) finishCluster(ctx context.Context, st *runState, clusterID string) error {
	return o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.ClustersProcessed.Add(clusterID)
	})
}

// activeFindings lists the run's findings that are not soft-deleted.
func (o *Orchestrator) activeFindings(ctx context.Context, runID string) ([]model.Finding, error) {
	all, err := o.store.ListFindings(ctx, store.FindingFilter{RunID: runID})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list findings")
	}
	out := all[:0]
	for _, f := range all {
		if f.Status != model.FindingDeleted {
			out = append(out, f)
		}
	}
	return out, nil
}
