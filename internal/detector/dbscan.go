package detector

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

const (
	labelNoise     = -1
	labelUnvisited = -2
)

// DBSCAN groups density-connected rows; rows that join no cluster are anomalies.
type DBSCAN struct {
	eps       float64
	minPoints int
}

// NewDBSCAN creates a density clustering detector. minPoints counts the row itself.
func NewDBSCAN(cfg Config) *DBSCAN {
	return &DBSCAN{eps: cfg.Eps, minPoints: cfg.MinPoints}
}

// Kind implements Detector.
func (d *DBSCAN) Kind() model.DetectorKind { return model.DetectorClustering }

// FitAndScore clusters x. Scores hold the cluster label of each row, -1 for noise.
func (d *DBSCAN) FitAndScore(x *mat.Dense) (Result, error) {
	n, _ := x.Dims()
	if n < d.minPoints || n == 0 {
		return Result{}, ErrInsufficientSamples
	}
	labels, _ := d.cluster(denseRows(x))

	res := Result{Flags: make([]bool, n), Scores: make([]float64, n), Threshold: labelNoise}
	for i, l := range labels {
		res.Scores[i] = float64(l)
		res.Flags[i] = l == labelNoise
	}
	return res, nil
}

// cluster labels every row and also returns the longest expansion queue it
// built. Each row enters a queue at most once.
func (d *DBSCAN) cluster(rows [][]float64) ([]int, int) {
	pts := make(pointSet, len(rows))
	for i, r := range rows {
		pts[i] = point{idx: i, v: r}
	}
	tree := kdtree.New(append(pointSet(nil), pts...), false)
	// keep and buf are reused across queries; a neighbour list is only
	// valid until the next call.
	keep := kdtree.NewDistKeeper(d.eps * d.eps)
	var buf []int
	neighbors := func(i int) []int {
		keep.Heap = append(keep.Heap[:0], kdtree.ComparableDist{Dist: d.eps * d.eps})
		tree.NearestSet(keep, pts[i])
		buf = buf[:0]
		for _, c := range keep.Heap {
			if c.Comparable == nil {
				continue
			}
			buf = append(buf, c.Comparable.(point).idx)
		}
		sort.Ints(buf)
		return buf
	}

	labels := make([]int, len(rows))
	for i := range labels {
		labels[i] = labelUnvisited
	}
	queued := make([]bool, len(rows))
	push := func(queue, nb []int) []int {
		for _, j := range nb {
			if queued[j] || (labels[j] != labelUnvisited && labels[j] != labelNoise) {
				continue
			}
			queued[j] = true
			queue = append(queue, j)
		}
		return queue
	}

	peak := 0
	cluster := -1
	for i := range rows {
		if labels[i] != labelUnvisited {
			continue
		}
		nb := neighbors(i)
		if len(nb) < d.minPoints {
			labels[i] = labelNoise
			continue
		}
		cluster++
		labels[i] = cluster
		queued[i] = true
		queue := push(nil, nb)
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == labelNoise {
				// border point: joins the cluster but does not expand it
				labels[j] = cluster
				continue
			}
			labels[j] = cluster
			if nbj := neighbors(j); len(nbj) >= d.minPoints {
				queue = push(queue, nbj)
			}
		}
		peak = max(peak, len(queue))
	}
	return labels, peak
}

// point is a kd-tree entry that remembers its batch row.
type point struct {
	idx int
	v   []float64
}

func (p point) Compare(c kdtree.Comparable, dim kdtree.Dim) float64 {
	return p.v[dim] - c.(point).v[dim]
}

func (p point) Dims() int { return len(p.v) }

// Distance is the squared Euclidean distance, as kdtree expects.
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	var sum float64
	for i, v := range p.v {
		diff := v - q.v[i]
		sum += diff * diff
	}
	return sum
}

type pointSet []point

func (p pointSet) Index(i int) kdtree.Comparable         { return p[i] }
func (p pointSet) Len() int                              { return len(p) }
func (p pointSet) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p pointSet) Pivot(d kdtree.Dim) int {
	return plane{pointSet: p, dim: d}.Pivot()
}

// plane sorts a pointSet along one dimension.
type plane struct {
	pointSet
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.pointSet[i].v[p.dim] < p.pointSet[j].v[p.dim] }
func (p plane) Swap(i, j int)      { p.pointSet[i], p.pointSet[j] = p.pointSet[j], p.pointSet[i] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.pointSet = p.pointSet[start:end]
	return p
}
