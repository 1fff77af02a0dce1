package stages

import (
	"sort"

	"panostitch/internal/pano"
	"panostitch/internal/params"
)

// SpanningTreeEstimator chains pairwise transforms along the maximum
// confidence spanning tree, rooted at the tree centre.
type SpanningTreeEstimator struct {
	Affine bool
	Thresh float64
}

func NewAffineEstimator(p *params.Parameters) *SpanningTreeEstimator {
	return &SpanningTreeEstimator{
		Affine: true,
		Thresh: params.Get(p, params.PanoConfidenceThresh, params.DefaultPanoConfidenceThresh),
	}
}

func NewHomographyEstimator(p *params.Parameters) *SpanningTreeEstimator {
	e := NewAffineEstimator(p)
	e.Affine = false
	return e
}

type edge struct {
	i, j int
	conf float64
}

// pairEdges lists usable links between local positions i < j.
func pairEdges(features []pano.ImageFeatures, matches pano.MatchSet, thresh float64) []edge {
	var edges []edge
	for i := range features {
		for j := i + 1; j < len(features); j++ {
			m, ok := pairInfo(matches, features[i].ImageIndex, features[j].ImageIndex)
			if ok && m.H != nil && m.Confidence > thresh {
				edges = append(edges, edge{i, j, m.Confidence})
			}
		}
	}
	return edges
}

// pairInfo returns the entry for (a,b), or the reverse of (b,a).
func pairInfo(matches pano.MatchSet, a, b int) (pano.MatchesInfo, bool) {
	if m, ok := matches.Get(a, b); ok && m.H != nil {
		return m, true
	}
	if m, ok := matches.Get(b, a); ok {
		return m.Reverse(), true
	}
	return pano.MatchesInfo{}, false
}

func (e *SpanningTreeEstimator) Estimate(features []pano.ImageFeatures, matches pano.MatchSet) ([]pano.CameraParams, bool) {
	n := len(features)
	if n == 0 {
		return nil, false
	}
	cams := make([]pano.CameraParams, n)
	for i := range cams {
		cams[i] = pano.NewCamera()
	}
	if n == 1 {
		return cams, true
	}

	edges := pairEdges(features, matches, e.Thresh)
	sort.SliceStable(edges, func(a, b int) bool { return edges[a].conf > edges[b].conf })

	uf := newUnionFind(n)
	adj := make([][]int, n)
	used := 0
	for _, ed := range edges {
		if uf.union(ed.i, ed.j) {
			adj[ed.i] = append(adj[ed.i], ed.j)
			adj[ed.j] = append(adj[ed.j], ed.i)
			used++
		}
	}
	if used != n-1 {
		return nil, false
	}
	for _, a := range adj {
		sort.Ints(a)
	}

	root := treeCenter(adj)
	visited := make([]bool, n)
	visited[root] = true
	queue := []int{root}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, j := range adj[i] {
			if visited[j] {
				continue
			}
			visited[j] = true
			// H maps pixels of j into pixels of i
			m, ok := pairInfo(matches, features[j].ImageIndex, features[i].ImageIndex)
			if !ok || m.H == nil {
				return nil, false
			}
			h := *m.H
			if e.Affine {
				h = h.Affine()
			}
			cams[j].R = cams[i].R.Mul(h)
			queue = append(queue, j)
		}
	}
	for _, c := range cams {
		if !c.R.IsFinite() {
			return nil, false
		}
	}
	return cams, true
}

// treeCenter returns the node with the smallest eccentricity, preferring
// the lowest position.
func treeCenter(adj [][]int) int {
	best, bestEcc := 0, len(adj)+1
	for s := range adj {
		dist := make([]int, len(adj))
		for i := range dist {
			dist[i] = -1
		}
		dist[s] = 0
		queue := []int{s}
		ecc := 0
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			if dist[u] > ecc {
				ecc = dist[u]
			}
			for _, v := range adj[u] {
				if dist[v] < 0 {
					dist[v] = dist[u] + 1
					queue = append(queue, v)
				}
			}
		}
		if ecc < bestEcc {
			best, bestEcc = s, ecc
		}
	}
	return best
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
	return true
}

// LargestComponent returns the ascending local positions of the biggest
// group of features linked by pairs above thresh. Ties go to the group
// holding the lowest position.
func LargestComponent(features []pano.ImageFeatures, matches pano.MatchSet, thresh float64) []int {
	uf := newUnionFind(len(features))
	for _, ed := range pairEdges(features, matches, thresh) {
		uf.union(ed.i, ed.j)
	}
	sizes := make(map[int]int)
	for i := range features {
		sizes[uf.find(i)]++
	}
	bestRoot, bestSize := -1, 0
	for i := range features {
		r := uf.find(i)
		if sizes[r] > bestSize {
			bestRoot, bestSize = r, sizes[r]
		}
	}
	var out []int
	for i := range features {
		if uf.find(i) == bestRoot {
			out = append(out, i)
		}
	}
	return out
}
