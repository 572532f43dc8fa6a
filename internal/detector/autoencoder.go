package detector

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Output activations of the reconstruction layer.
const (
	ActivationLinear  = "linear"
	ActivationSigmoid = "sigmoid"
	activationReLU    = "relu"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

// Autoencoder is a width -> hidden -> bottleneck -> hidden -> width network
// trained to reproduce its input. Rows it reconstructs poorly are anomalies.
type Autoencoder struct {
	cfg    Config
	layers []*denseLayer
	rng    *rand.Rand
	step   int

	// ValidationLoss holds the held-out MSE after each epoch.
	ValidationLoss []float64
}

// NewAutoencoder creates an untrained network; layer shapes are fixed on fit.
func NewAutoencoder(cfg Config) *Autoencoder {
	return &Autoencoder{cfg: cfg}
}

// Kind implements Detector.
func (a *Autoencoder) Kind() model.DetectorKind { return model.DetectorReconstruction }

// Widths returns the hidden layer widths used for an input of width d. The
// bottleneck is always narrower than the input.
func (a *Autoencoder) Widths(d int) []int {
	hidden := max(a.cfg.HiddenWidth, 1)
	bottleneck := a.cfg.Bottleneck
	if bottleneck <= 0 || bottleneck >= d {
		bottleneck = d - 1
	}
	bottleneck = max(bottleneck, 1)
	return []int{hidden, bottleneck, hidden}
}

// FitAndScore trains on a random split of x and flags rows whose reconstruction
// error is strictly above the configured percentile of the whole batch.
func (a *Autoencoder) FitAndScore(x *mat.Dense) (Result, error) {
	n, d := x.Dims()
	nVal := int(math.Ceil(float64(n) * a.cfg.ValidationSplit))
	nTrain := n - nVal
	if nVal < 1 || nTrain < 1 {
		return Result{}, ErrInsufficientSamples
	}

	a.rng = rand.New(rand.NewSource(a.cfg.Seed))
	a.build(d)

	perm := a.rng.Perm(n)
	train := gatherRows(x, perm[nVal:])
	val := gatherRows(x, perm[:nVal])

	batch := max(a.cfg.BatchSize, 1)
	a.ValidationLoss = a.ValidationLoss[:0]
	for epoch := 0; epoch < a.cfg.Epochs; epoch++ {
		order := a.rng.Perm(nTrain)
		for start := 0; start < nTrain; start += batch {
			end := min(start+batch, nTrain)
			a.trainStep(gatherRows(train, order[start:end]))
		}
		a.ValidationLoss = append(a.ValidationLoss, meanSquared(a.reconstruct(val), val))
	}

	errs := rowErrors(a.reconstruct(x), x)
	threshold := percentile(errs, a.cfg.Percentile)
	return Result{Flags: flagAbove(errs, threshold), Scores: errs, Threshold: threshold}, nil
}

func (a *Autoencoder) build(d int) {
	widths := append([]int{d}, a.Widths(d)...)
	widths = append(widths, d)
	a.layers = a.layers[:0]
	a.step = 0
	for i := 0; i+1 < len(widths); i++ {
		act := activationReLU
		if i+2 == len(widths) {
			act = a.cfg.OutputActivation
		}
		a.layers = append(a.layers, newDenseLayer(widths[i], widths[i+1], act, a.rng))
	}
}

// reconstruct runs a forward pass without keeping intermediates.
func (a *Autoencoder) reconstruct(x mat.Matrix) *mat.Dense {
	out, _ := a.forward(x)
	return out[len(out)-1]
}

// forward returns the activations of every layer (input first) and the
// pre-activations of every layer.
func (a *Autoencoder) forward(x mat.Matrix) ([]*mat.Dense, []*mat.Dense) {
	acts := []*mat.Dense{mat.DenseCopyOf(x)}
	pres := make([]*mat.Dense, 0, len(a.layers))
	for _, l := range a.layers {
		z, out := l.forward(acts[len(acts)-1])
		pres = append(pres, z)
		acts = append(acts, out)
	}
	return acts, pres
}

// trainStep applies one Adam update for the mean squared reconstruction loss of x.
func (a *Autoencoder) trainStep(x *mat.Dense) {
	acts, pres := a.forward(x)
	m, d := x.Dims()

	var grad mat.Dense
	grad.Sub(acts[len(acts)-1], x)
	grad.Scale(2/float64(m*d), &grad)

	a.step++
	for i := len(a.layers) - 1; i >= 0; i-- {
		l := a.layers[i]
		var dz mat.Dense
		dz.Apply(func(r, c int, g float64) float64 {
			return g * derivative(l.activation, pres[i].At(r, c), acts[i+1].At(r, c))
		}, &grad)

		var dw mat.Dense
		dw.Mul(acts[i].T(), &dz)
		_, out := dz.Dims()
		db := make([]float64, out)
		for r := 0; r < m; r++ {
			for c, v := range dz.RawRowView(r) {
				db[c] += v
			}
		}
		if i > 0 {
			var next mat.Dense
			next.Mul(&dz, l.w.T())
			grad = next
		}
		l.adam(&dw, db, a.cfg.LearningRate, a.step)
	}
}

// denseLayer is a fully connected layer with Adam moment estimates.
type denseLayer struct {
	w          *mat.Dense
	b          []float64
	activation string

	mw, vw *mat.Dense
	mb, vb []float64
}

// newDenseLayer initialises weights with Glorot uniform and zero biases.
func newDenseLayer(in, out int, activation string, rng *rand.Rand) *denseLayer {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return &denseLayer{
		w:          mat.NewDense(in, out, w),
		b:          make([]float64, out),
		activation: activation,
		mw:         mat.NewDense(in, out, nil),
		vw:         mat.NewDense(in, out, nil),
		mb:         make([]float64, out),
		vb:         make([]float64, out),
	}
}

func (l *denseLayer) forward(x mat.Matrix) (*mat.Dense, *mat.Dense) {
	var z mat.Dense
	z.Mul(x, l.w)
	z.Apply(func(_, c int, v float64) float64 { return v + l.b[c] }, &z)
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return activate(l.activation, v) }, &z)
	return &z, &out
}

func (l *denseLayer) adam(dw *mat.Dense, db []float64, lr float64, step int) {
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))

	wRaw, gRaw := l.w.RawMatrix(), dw.RawMatrix()
	mRaw, vRaw := l.mw.RawMatrix(), l.vw.RawMatrix()
	rows, cols := l.w.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			wi := r*wRaw.Stride + c
			g := gRaw.Data[r*gRaw.Stride+c]
			mRaw.Data[r*mRaw.Stride+c] = adamBeta1*mRaw.Data[r*mRaw.Stride+c] + (1-adamBeta1)*g
			vRaw.Data[r*vRaw.Stride+c] = adamBeta2*vRaw.Data[r*vRaw.Stride+c] + (1-adamBeta2)*g*g
			mHat := mRaw.Data[r*mRaw.Stride+c] / c1
			vHat := vRaw.Data[r*vRaw.Stride+c] / c2
			wRaw.Data[wi] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
		}
	}
	for c, g := range db {
		l.mb[c] = adamBeta1*l.mb[c] + (1-adamBeta1)*g
		l.vb[c] = adamBeta2*l.vb[c] + (1-adamBeta2)*g*g
		l.b[c] -= lr * (l.mb[c] / c1) / (math.Sqrt(l.vb[c]/c2) + adamEpsilon)
	}
}

func activate(name string, v float64) float64 {
	switch name {
	case activationReLU:
		return math.Max(0, v)
	case ActivationSigmoid:
		return 1 / (1 + math.Exp(-v))
	}
	return v
}

// derivative of the activation given its input z and output y.
func derivative(name string, z, y float64) float64 {
	switch name {
	case activationReLU:
		if z > 0 {
			return 1
		}
		return 0
	case ActivationSigmoid:
		return y * (1 - y)
	}
	return 1
}

func gatherRows(x *mat.Dense, idx []int) *mat.Dense {
	_, d := x.Dims()
	out := mat.NewDense(len(idx), d, nil)
	for i, r := range idx {
		out.SetRow(i, x.RawRowView(r))
	}
	return out
}

// rowErrors is the mean squared difference of each row.
func rowErrors(got, want *mat.Dense) []float64 {
	n, d := want.Dims()
	errs := make([]float64, n)
	for i := 0; i < n; i++ {
		g, w := got.RawRowView(i), want.RawRowView(i)
		var sum float64
		for j := 0; j < d; j++ {
			diff := g[j] - w[j]
			sum += diff * diff
		}
		errs[i] = sum / float64(d)
	}
	return errs
}

func meanSquared(got, want *mat.Dense) float64 {
	errs := rowErrors(got, want)
	var sum float64
	for _, e := range errs {
		sum += e
	}
	return sum / float64(len(errs))
}
