package services

import (
	"sort"

	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/repository"
)

// faceEdge is a similarity reported between two faces of the same gallery.
type faceEdge struct {
	A, B       uint
	Similarity float32
}

// disjointSet is a union-find over face ids.
type disjointSet struct {
	parent map[uint]uint
	rank   map[uint]int
}

func newDisjointSet(ids []uint) *disjointSet {
	ds := &disjointSet{parent: make(map[uint]uint, len(ids)), rank: make(map[uint]int, len(ids))}
	for _, id := range ids {
		ds.parent[id] = id
	}
	return ds
}

func (ds *disjointSet) find(x uint) uint {
	for ds.parent[x] != x {
		ds.parent[x] = ds.parent[ds.parent[x]]
		x = ds.parent[x]
	}
	return x
}

func (ds *disjointSet) union(a, b uint) {
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	switch {
	case ds.rank[ra] < ds.rank[rb]:
		ds.parent[ra] = rb
	case ds.rank[ra] > ds.rank[rb]:
		ds.parent[rb] = ra
	default:
		ds.parent[rb] = ra
		ds.rank[ra]++
	}
}

// groupFaces turns pairwise similarities into clusters: every connected set
// of faces becomes one draft, singletons included. The representative is the
// face with the highest detection confidence (lowest id on ties). Drafts are
// ordered largest first.
func groupFaces(faces []models.DetectedFace, edges []faceEdge) []repository.ClusterDraft {
	if len(faces) == 0 {
		return nil
	}
	ids := make([]uint, len(faces))
	byID := make(map[uint]models.DetectedFace, len(faces))
	for i, f := range faces {
		ids[i] = f.ID
		byID[f.ID] = f
	}

	ds := newDisjointSet(ids)
	sims := make(map[[2]uint]float32, len(edges))
	for _, e := range edges {
		if _, ok := byID[e.A]; !ok {
			continue
		}
		if _, ok := byID[e.B]; !ok || e.A == e.B {
			continue
		}
		ds.union(e.A, e.B)
		k := pairKey(e.A, e.B)
		if e.Similarity > sims[k] {
			sims[k] = e.Similarity
		}
	}

	components := make(map[uint][]uint)
	for _, id := range ids {
		root := ds.find(id)
		components[root] = append(components[root], id)
	}

	drafts := make([]repository.ClusterDraft, 0, len(components))
	for _, members := range components {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		rep := members[0]
		for _, id := range members[1:] {
			if byID[id].Confidence > byID[rep].Confidence {
				rep = id
			}
		}
		similarities := make(map[uint]float32, len(members))
		similarities[rep] = 100
		for _, id := range members {
			if s, ok := sims[pairKey(rep, id)]; ok {
				similarities[id] = s
			}
		}
		drafts = append(drafts, repository.ClusterDraft{
			FaceIDs:              members,
			RepresentativeFaceID: rep,
			Similarities:         similarities,
		})
	}

	sort.Slice(drafts, func(i, j int) bool {
		if len(drafts[i].FaceIDs) != len(drafts[j].FaceIDs) {
			return len(drafts[i].FaceIDs) > len(drafts[j].FaceIDs)
		}
		return drafts[i].FaceIDs[0] < drafts[j].FaceIDs[0]
	})
	return drafts
}

func pairKey(a, b uint) [2]uint {
	if a > b {
		a, b = b, a
	}
	return [2]uint{a, b}
}

// planClusters groups open faces and folds every group that has a
// similarity edge into a verified cluster into that cluster. anchored maps
// faces already held by a verified cluster to its id. A group reaching
// several verified clusters joins the one behind its strongest edge.
func planClusters(open []models.DetectedFace, edges []faceEdge, anchored map[uint]uint) repository.ClusterPlan {
	type anchorHit struct {
		cluster    uint
		similarity float32
	}
	best := make(map[uint]anchorHit)
	for _, e := range edges {
		for _, pair := range [2][2]uint{{e.A, e.B}, {e.B, e.A}} {
			face, other := pair[0], pair[1]
			clusterID, ok := anchored[other]
			if !ok {
				continue
			}
			if _, held := anchored[face]; held {
				continue
			}
			hit, seen := best[face]
			if !seen || e.Similarity > hit.similarity || (e.Similarity == hit.similarity && clusterID < hit.cluster) {
				best[face] = anchorHit{cluster: clusterID, similarity: e.Similarity}
			}
		}
	}

	var plan repository.ClusterPlan
	attach := make(map[uint]*repository.ClusterAttachment)
	for _, d := range groupFaces(open, edges) {
		var target anchorHit
		found := false
		for _, id := range d.FaceIDs {
			hit, ok := best[id]
			if !ok {
				continue
			}
			if !found || hit.similarity > target.similarity || (hit.similarity == target.similarity && hit.cluster < target.cluster) {
				target, found = hit, true
			}
		}
		if !found {
			plan.Drafts = append(plan.Drafts, d)
			continue
		}

		a := attach[target.cluster]
		if a == nil {
			a = &repository.ClusterAttachment{ClusterID: target.cluster, Similarities: make(map[uint]float32)}
			attach[target.cluster] = a
		}
		a.FaceIDs = append(a.FaceIDs, d.FaceIDs...)
		for _, id := range d.FaceIDs {
			if hit, ok := best[id]; ok && hit.cluster == target.cluster {
				a.Similarities[id] = hit.similarity
			}
		}
	}

	ids := make([]uint, 0, len(attach))
	for id := range attach {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a := attach[id]
		sort.Slice(a.FaceIDs, func(i, j int) bool { return a.FaceIDs[i] < a.FaceIDs[j] })
		plan.Attachments = append(plan.Attachments, *a)
	}
	return plan
}

// matchCandidate is one participant's best similarity to one cluster.
type matchCandidate struct {
	ClusterID     uint
	ParticipantID uint
	Similarity    float32
}

// assignMatches picks at most one participant per cluster and one cluster
// per participant, best similarity first. Clusters in locked and
// participants in taken are never handed out.
func assignMatches(candidates []matchCandidate, locked map[uint]bool, taken map[uint]bool) []repository.ClusterMatch {
	sorted := make([]matchCandidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Similarity != sorted[j].Similarity {
			return sorted[i].Similarity > sorted[j].Similarity
		}
		if sorted[i].ClusterID != sorted[j].ClusterID {
			return sorted[i].ClusterID < sorted[j].ClusterID
		}
		return sorted[i].ParticipantID < sorted[j].ParticipantID
	})

	usedCluster := make(map[uint]bool)
	usedParticipant := make(map[uint]bool)
	var out []repository.ClusterMatch
	for _, c := range sorted {
		if locked[c.ClusterID] || taken[c.ParticipantID] || usedCluster[c.ClusterID] || usedParticipant[c.ParticipantID] {
			continue
		}
		usedCluster[c.ClusterID] = true
		usedParticipant[c.ParticipantID] = true
		out = append(out, repository.ClusterMatch{
			ClusterID:     c.ClusterID,
			ParticipantID: c.ParticipantID,
			Confidence:    c.Similarity,
		})
	}
	return out
}
