// Package introspect keeps the artifacts of the most recent stitching run
// and answers lookups by original image index.
package introspect

import (
	"image"
	"sort"
	"sync"

	"panostitch/internal/pano"
)

// Component is one output panorama and the images fused into it. Cameras,
// SeamMasks and Snapshots are aligned with Indices.
type Component struct {
	Indices   []int               `json:"indices"`
	Cameras   []pano.CameraParams `json:"cameras"`
	SeamMasks []*pano.Image       `json:"-"`
	Snapshots [][]*pano.Image     `json:"-"`
	Panorama  *pano.Image         `json:"-"`
	Origin    image.Point         `json:"origin"`
}

// Size is the panorama size, zero when absent.
func (c *Component) Size() image.Point {
	return c.Panorama.Size()
}

func (c *Component) position(idx int) (int, bool) {
	i := sort.SearchInts(c.Indices, idx)
	return i, i < len(c.Indices) && c.Indices[i] == idx
}

// Model collects artifacts while a run is in progress and serves them after
// it has been committed. Negative indices denote intermediate panoramas and
// are never stored.
type Model struct {
	mu       sync.RWMutex
	features map[int]pano.ImageFeatures
	matches  pano.MatchSet

	// staged by the composition in progress until it takes them
	cameras   map[int]pano.CameraParams
	seams     map[int]*pano.Image
	snapshots map[int][]*pano.Image

	components []*Component
}

func NewModel() *Model {
	m := &Model{}
	m.reset()
	return m
}

func (m *Model) reset() {
	m.features = make(map[int]pano.ImageFeatures)
	m.matches = pano.MatchSet{}
	m.cameras = make(map[int]pano.CameraParams)
	m.seams = make(map[int]*pano.Image)
	m.snapshots = make(map[int][]*pano.Image)
	m.components = nil
}

// Reset drops everything.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Model) RecordFeatures(f pano.ImageFeatures) {
	if f.ImageIndex < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[f.ImageIndex] = f
}

func (m *Model) RecordMatches(info pano.MatchesInfo) {
	if info.SrcIndex < 0 || info.DstIndex < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches.Put(info)
}

func (m *Model) RecordCameras(indices []int, cams []pano.CameraParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, idx := range indices {
		if idx >= 0 && i < len(cams) {
			m.cameras[idx] = cams[i]
		}
	}
}

func (m *Model) RecordSeamMask(index int, mask *pano.Image) {
	if index < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seams[index] = mask
}

func (m *Model) RecordSnapshots(index int, snaps ...*pano.Image) {
	if index < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[index] = snaps
}

// Artifacts are the seam masks and compensation snapshots of one
// composition, aligned with the indices they were taken for.
type Artifacts struct {
	SeamMasks []*pano.Image
	Snapshots [][]*pano.Image
}

// Take removes the seam masks and snapshots staged for indices and returns
// them. Each composition takes its own, so a failed one leaves nothing
// behind for the next.
func (m *Model) Take(indices []int) Artifacts {
	m.mu.Lock()
	defer m.mu.Unlock()
	art := Artifacts{
		SeamMasks: make([]*pano.Image, len(indices)),
		Snapshots: make([][]*pano.Image, len(indices)),
	}
	for i, idx := range indices {
		art.SeamMasks[i] = m.seams[idx]
		art.Snapshots[i] = m.snapshots[idx]
		delete(m.seams, idx)
		delete(m.snapshots, idx)
	}
	return art
}

// Commit closes a component. cams are the final cameras aligned with
// indices, falling back to the last recorded camera of each index.
func (m *Model) Commit(indices []int, cams []pano.CameraParams, panorama *pano.Image, origin image.Point, art Artifacts) *Component {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Component{
		Indices:   append([]int(nil), indices...),
		Cameras:   make([]pano.CameraParams, len(indices)),
		SeamMasks: make([]*pano.Image, len(indices)),
		Snapshots: make([][]*pano.Image, len(indices)),
		Panorama:  panorama,
		Origin:    origin,
	}
	for i, idx := range c.Indices {
		if i < len(cams) {
			c.Cameras[i] = cams[i]
		} else if cam, ok := m.cameras[idx]; ok {
			c.Cameras[i] = cam
		} else {
			c.Cameras[i] = pano.NewCamera()
		}
		if i < len(art.SeamMasks) {
			c.SeamMasks[i] = art.SeamMasks[i]
		}
		if i < len(art.Snapshots) {
			c.Snapshots[i] = art.Snapshots[i]
		}
	}
	m.components = append(m.components, c)
	sort.SliceStable(m.components, func(a, b int) bool {
		return firstIndex(m.components[a]) < firstIndex(m.components[b])
	})
	return c
}

func firstIndex(c *Component) int {
	if len(c.Indices) == 0 {
		return -1
	}
	return c.Indices[0]
}

// Components returns the committed components ordered by first index.
func (m *Model) Components() []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Component(nil), m.components...)
}

// IndexSets returns the index list of every component.
func (m *Model) IndexSets() [][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]int, len(m.components))
	for i, c := range m.components {
		out[i] = append([]int(nil), c.Indices...)
	}
	return out
}

// Component returns the component holding idx.
func (m *Model) Component(idx int) (*Component, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locate(idx)
}

func (m *Model) locate(idx int) (*Component, int, bool) {
	for _, c := range m.components {
		if pos, ok := c.position(idx); ok {
			return c, pos, true
		}
	}
	return nil, 0, false
}

// Features returns the keypoints detected for idx in the last run.
func (m *Model) Features(idx int) (pano.ImageFeatures, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.features[idx]
	return f, ok
}

// Matches returns the entry for the ordered pair (src, dst). The reverse
// pair is a separate entry.
func (m *Model) Matches(src, dst int) (pano.MatchesInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matches.Get(src, dst)
}

// MatchPairs lists every stored pair key.
func (m *Model) MatchPairs() []pano.PairKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]pano.PairKey, 0, len(m.matches))
	for k := range m.matches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Src != keys[j].Src {
			return keys[i].Src < keys[j].Src
		}
		return keys[i].Dst < keys[j].Dst
	})
	return keys
}

// CameraParams returns the camera of idx inside its component.
func (m *Model) CameraParams(idx int) (pano.CameraParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, pos, ok := m.locate(idx)
	if !ok || pos >= len(c.Cameras) {
		return pano.CameraParams{}, false
	}
	return c.Cameras[pos], true
}

// SeamMask returns the seam mask of idx, or nil.
func (m *Model) SeamMask(idx int) *pano.Image {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, pos, ok := m.locate(idx)
	if !ok || pos >= len(c.SeamMasks) {
		return nil
	}
	return c.SeamMasks[pos]
}

// CompensationSnapshots returns the before/after copies of idx, or nil.
func (m *Model) CompensationSnapshots(idx int) []*pano.Image {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, pos, ok := m.locate(idx)
	if !ok || pos >= len(c.Snapshots) {
		return nil
	}
	return c.Snapshots[pos]
}
