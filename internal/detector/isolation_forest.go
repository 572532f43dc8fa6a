package detector

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// isolationTree is one randomly partitioned tree.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
}

// IsolationForest isolates rows by recursive random splits; rows that need
// fewer splits to isolate score higher.
type IsolationForest struct {
	numTrees      int
	subSampleSize int
	contamination float64
	seed          int64

	trees    []*isolationTree
	sampleSz int
	maxDepth int
	rng      *rand.Rand
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(cfg Config) *IsolationForest {
	return &IsolationForest{
		numTrees:      cfg.Trees,
		subSampleSize: cfg.SubsampleSize,
		contamination: cfg.Contamination,
		seed:          cfg.Seed,
	}
}

// Kind implements Detector.
func (f *IsolationForest) Kind() model.DetectorKind { return model.DetectorIsolation }

// FitAndScore builds the forest on x and flags the contamination share of
// rows with the highest anomaly score.
func (f *IsolationForest) FitAndScore(x *mat.Dense) (Result, error) {
	n, _ := x.Dims()
	if n < 2 {
		return Result{}, ErrInsufficientSamples
	}
	rows := denseRows(x)
	f.fit(rows)

	scores := make([]float64, n)
	for i, row := range rows {
		scores[i] = f.score(row)
	}
	threshold := percentile(scores, 100*(1-f.contamination))
	return Result{Flags: flagAbove(scores, threshold), Scores: scores, Threshold: threshold}, nil
}

func (f *IsolationForest) fit(rows [][]float64) {
	f.rng = rand.New(rand.NewSource(f.seed))
	f.sampleSz = f.subSampleSize
	if f.sampleSz <= 0 || f.sampleSz > len(rows) {
		f.sampleSz = len(rows)
	}
	f.maxDepth = int(math.Ceil(math.Log2(float64(max(f.sampleSz, 2)))))
	f.trees = make([]*isolationTree, 0, f.numTrees)
	for i := 0; i < f.numTrees; i++ {
		perm := f.rng.Perm(len(rows))[:f.sampleSz]
		sample := make([][]float64, len(perm))
		for j, idx := range perm {
			sample[j] = rows[idx]
		}
		f.trees = append(f.trees, f.buildTree(sample, 0))
	}
}

// score computes 2^(-E[h(x)]/c(psi)), in (0, 1].
func (f *IsolationForest) score(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += f.pathLength(t, row, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSz)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

func (f *IsolationForest) buildTree(data [][]float64, depth int) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	// Only features with spread can split the node.
	var candidates []int
	for j := range data[0] {
		lo, hi := featureRange(data, j)
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	feature := candidates[f.rng.Intn(len(candidates))]
	lo, hi := featureRange(data, feature)
	split := lo + f.rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, p := range data {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}
	return &isolationTree{
		splitFeature: feature,
		splitValue:   split,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
	}
}

func (f *IsolationForest) pathLength(t *isolationTree, row []float64, depth int) float64 {
	if t.isLeaf {
		return float64(depth) + averagePathLength(t.size)
	}
	if row[t.splitFeature] < t.splitValue {
		return f.pathLength(t.left, row, depth+1)
	}
	return f.pathLength(t.right, row, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search path length in a BST.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - 2*float64(n-1)/float64(n)
}

// harmonicNumber approximates H(n) as ln(n) + Euler-Mascheroni.
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

func allIdentical(data [][]float64) bool {
	first := data[0]
	for _, p := range data[1:] {
		for j := range first {
			if math.Abs(p[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, p := range data[1:] {
		lo = math.Min(lo, p[feature])
		hi = math.Max(hi, p[feature])
	}
	return lo, hi
}

// denseRows returns row views of x that share its backing storage.
func denseRows(x *mat.Dense) [][]float64 {
	n, _ := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = x.RawRowView(i)
	}
	return rows
}
