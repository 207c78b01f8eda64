package neardup

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Params configures near-duplicate detection. Bands and Rows of zero are
// derived from Threshold with OptimalBands.
type Params struct {
	ShingleSize int
	NumPerm     int
	Threshold   float64
	Bands       int
	Rows        int
}

// DefaultParams returns 5-word shingles, 128 permutations and a 0.95 threshold.
func DefaultParams() Params {
	return Params{ShingleSize: 5, NumPerm: 128, Threshold: 0.95}
}

func (p Params) validate() (Params, error) {
	if p.ShingleSize <= 0 {
		return p, fmt.Errorf("shingle size must be positive, got %d", p.ShingleSize)
	}
	if p.NumPerm <= 0 {
		return p, fmt.Errorf("num_perm must be positive, got %d", p.NumPerm)
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return p, fmt.Errorf("threshold must be in (0, 1], got %v", p.Threshold)
	}
	if p.Bands == 0 && p.Rows == 0 {
		p.Bands, p.Rows = OptimalBands(p.Threshold, p.NumPerm)
	}
	if p.Bands <= 0 || p.Rows <= 0 || p.Bands*p.Rows > p.NumPerm {
		return p, fmt.Errorf("bands (%d) x rows (%d) must be positive and fit in %d permutations", p.Bands, p.Rows, p.NumPerm)
	}
	return p, nil
}

// Document is the input to detection.
type Document struct {
	DocID string
	Text  string
}

// Pair is a verified near-duplicate pair with A < B.
type Pair struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// Cluster is a connected group of near duplicates. Primary is the smallest
// doc_id; Members is sorted and includes Primary.
type Cluster struct {
	Primary string   `json:"primary"`
	Members []string `json:"members"`
}

// Result is the outcome of one detection run.
type Result struct {
	Pairs    []Pair    `json:"pairs"`
	Clusters []Cluster `json:"clusters"`
	// Skipped lists documents with fewer words than one shingle.
	Skipped []string `json:"skipped,omitempty"`
	Bands   int      `json:"bands"`
	Rows    int      `json:"rows"`
}

// Assignments maps every non-primary cluster member to its primary.
func (r *Result) Assignments() map[string]string {
	out := make(map[string]string)
	for _, c := range r.Clusters {
		for _, m := range c.Members {
			if m != c.Primary {
				out[m] = c.Primary
			}
		}
	}
	return out
}

// Detector finds near-duplicate documents.
type Detector struct {
	params Params
	hasher *Hasher
	logger *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector validates p and returns a Detector.
func NewDetector(p Params, opts ...Option) (*Detector, error) {
	p, err := p.validate()
	if err != nil {
		return nil, err
	}
	d := &Detector{params: p, hasher: NewHasher(p.NumPerm)}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Params returns the effective parameters, including derived bands and rows.
func (d *Detector) Params() Params {
	return d.params
}

// Detect signs every document, buckets signatures by band, and verifies
// candidate pairs against the threshold. Output is sorted and independent of
// input order.
func (d *Detector) Detect(docs []Document) *Result {
	res := &Result{Bands: d.params.Bands, Rows: d.params.Rows}

	ids := make([]string, 0, len(docs))
	sigs := make(map[string][]uint64, len(docs))
	for _, doc := range docs {
		sh := Shingles(doc.Text, d.params.ShingleSize)
		if len(sh) == 0 {
			res.Skipped = append(res.Skipped, doc.DocID)
			continue
		}
		if _, dup := sigs[doc.DocID]; !dup {
			ids = append(ids, doc.DocID)
		}
		sigs[doc.DocID] = d.hasher.Signature(sh)
	}
	sort.Strings(ids)
	sort.Strings(res.Skipped)

	candidates := make(map[[2]int]struct{})
	buf := make([]byte, 8)
	for band := 0; band < d.params.Bands; band++ {
		buckets := make(map[uint64][]int)
		for i, id := range ids {
			h := xxhash.New()
			for _, v := range sigs[id][band*d.params.Rows : (band+1)*d.params.Rows] {
				binary.LittleEndian.PutUint64(buf, v)
				_, _ = h.Write(buf)
			}
			key := h.Sum64()
			buckets[key] = append(buckets[key], i)
		}
		for _, members := range buckets {
			for x := 0; x < len(members); x++ {
				for y := x + 1; y < len(members); y++ {
					candidates[[2]int{members[x], members[y]}] = struct{}{}
				}
			}
		}
	}

	uf := newUnionFind(len(ids))
	for c := range candidates {
		a, b := ids[c[0]], ids[c[1]]
		sim := Similarity(sigs[a], sigs[b])
		if sim < d.params.Threshold {
			continue
		}
		res.Pairs = append(res.Pairs, Pair{A: a, B: b, Similarity: sim})
		uf.union(c[0], c[1])
	}
	sort.Slice(res.Pairs, func(i, j int) bool {
		if res.Pairs[i].A != res.Pairs[j].A {
			return res.Pairs[i].A < res.Pairs[j].A
		}
		return res.Pairs[i].B < res.Pairs[j].B
	})

	groups := make(map[int][]string)
	for i, id := range ids {
		root := uf.find(i)
		groups[root] = append(groups[root], id)
	}
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		// ids is sorted, so members are too.
		res.Clusters = append(res.Clusters, Cluster{Primary: members[0], Members: members})
	}
	sort.Slice(res.Clusters, func(i, j int) bool { return res.Clusters[i].Primary < res.Clusters[j].Primary })

	if d.logger != nil {
		d.logger.Debug("Near-duplicate detection finished",
			zap.Int("documents", len(ids)),
			zap.Int("candidates", len(candidates)),
			zap.Int("pairs", len(res.Pairs)),
			zap.Int("clusters", len(res.Clusters)))
	}
	return res
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
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
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
