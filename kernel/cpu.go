package kernel

import (
	"context"
	"fmt"

	"github.com/doppler/engine/engine"
)

// CPUBackend is the generic f32 fallback every kernel variant has a
// correctness obligation to agree with: it runs entirely on host
// memory and never touches a GPU device, so it is always available.
type CPUBackend struct{}

func NewCPUBackend() *CPUBackend { return &CPUBackend{} }

func (CPUBackend) Gather(ctx context.Context, table Tensor, ids []int32) (Tensor, error) {
	if len(table.Shape()) != 2 {
		return Tensor{}, checkShape("gather", table.Shape(), []int{-1, -1})
	}
	hidden := table.Shape()[1]
	out := make([]float32, len(ids)*hidden)
	data := table.Data()
	for i, id := range ids {
		if int(id) < 0 || int(id) >= table.Shape()[0] {
			return Tensor{}, engine.ErrOutOfRange
		}
		copy(out[i*hidden:(i+1)*hidden], data[int(id)*hidden:(int(id)+1)*hidden])
	}
	return NewTensor(F32, []int{len(ids), hidden}, out), nil
}

func (CPUBackend) RMSNorm(ctx context.Context, x, weight Tensor, eps float32, plusOne bool) (Tensor, error) {
	hidden := x.Shape()[len(x.Shape())-1]
	rows := x.NumElements() / hidden
	out := make([]float32, len(x.Data()))
	xd := x.Data()
	wd := weight.Data()

	for r := 0; r < rows; r++ {
		row := xd[r*hidden : (r+1)*hidden]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		scale := float32(1.0 / sqrt(ss/float64(hidden)+float64(eps)))
		outRow := out[r*hidden : (r+1)*hidden]
		for i, v := range row {
			w := wd[i]
			if plusOne {
				w += 1
			}
			outRow[i] = v * scale * w
		}
	}
	return NewTensor(F32, x.Shape(), out), nil
}

// Matmul computes x @ weight^T, weight stored [outDim, inDim] as the
// teacher's Linear layers store it (row-major, one row per output unit).
func (CPUBackend) Matmul(ctx context.Context, x, weight Tensor) (Tensor, error) {
	inDim := x.Shape()[len(x.Shape())-1]
	rows := x.NumElements() / inDim
	outDim := weight.Shape()[0]
	if weight.Shape()[1] != inDim {
		return Tensor{}, checkShape("matmul", weight.Shape(), []int{outDim, inDim})
	}

	xd := x.Data()
	wd := weight.Data()
	out := make([]float32, rows*outDim)
	for r := 0; r < rows; r++ {
		xrow := xd[r*inDim : (r+1)*inDim]
		for o := 0; o < outDim; o++ {
			wrow := wd[o*inDim : (o+1)*inDim]
			var sum float32
			for i, v := range xrow {
				sum += v * wrow[i]
			}
			out[r*outDim+o] = sum
		}
	}
	return NewTensor(F32, append(append([]int{}, x.Shape()[:len(x.Shape())-1]...), outDim), out), nil
}

func (b CPUBackend) SiluFFN(ctx context.Context, x, gateW, upW, downW Tensor) (Tensor, error) {
	gate, err := b.Matmul(ctx, x, gateW)
	if err != nil {
		return Tensor{}, err
	}
	up, err := b.Matmul(ctx, x, upW)
	if err != nil {
		return Tensor{}, err
	}
	gated := make([]float32, len(gate.Data()))
	for i, g := range gate.Data() {
		gated[i] = silu(g) * up.Data()[i]
	}
	gatedT := NewTensor(F32, gate.Shape(), gated)
	return b.Matmul(ctx, gatedT, downW)
}

func silu(x float32) float32 {
	return x / (1 + expf(-x))
}

// RoPE rotates Q/K per §4.2.5: x is shaped (N, numHeads*headDim) — the
// flattened per-token projection Matmul returns — and each of its
// numHeads heads is rotated independently within its own headDim-wide
// span, using frequencies derived from headDim alone. Pairing across
// heads (as if the whole row were one head) would use the wrong
// per-dim frequency and mix unrelated heads' dimensions together.
func (CPUBackend) RoPE(ctx context.Context, x Tensor, positions []int32, theta float32, headDim int, interleaved bool) (Tensor, error) {
	shape := x.Shape()
	totalDim := shape[len(shape)-1]
	if headDim <= 0 || totalDim%headDim != 0 {
		return Tensor{}, fmt.Errorf("kernel: rope: head_dim %d does not divide row width %d: %w", headDim, totalDim, engine.ErrShapeMismatch)
	}
	numHeads := totalDim / headDim
	rows := x.NumElements() / totalDim
	if len(positions) != rows {
		return Tensor{}, checkShape("rope", []int{len(positions)}, []int{rows})
	}

	out := make([]float32, len(x.Data()))
	copy(out, x.Data())
	half := headDim / 2

	for r := 0; r < rows; r++ {
		pos := float32(positions[r])
		rowBase := r * totalDim
		for h := 0; h < numHeads; h++ {
			head := out[rowBase+h*headDim : rowBase+(h+1)*headDim]
			for i := 0; i < half; i++ {
				freq := 1.0 / pow(theta, float32(2*i)/float32(headDim))
				angle := pos * freq
				c, s := cos(angle), sin(angle)

				var a, bb int
				if interleaved {
					a, bb = 2*i, 2*i+1
				} else {
					a, bb = i, i+half
				}
				x0, x1 := head[a], head[bb]
				head[a] = x0*c - x1*s
				head[bb] = x0*s + x1*c
			}
		}
	}
	return NewTensor(F32, shape, out), nil
}

func (b CPUBackend) AttentionPrefill(ctx context.Context, q, k, v Tensor, mask []float32, p AttentionParams) (Tensor, error) {
	return b.attention(q, k, v, mask, p)
}

func (b CPUBackend) AttentionDecode(ctx context.Context, q, k, v Tensor, mask []float32, p AttentionParams) (Tensor, error) {
	return b.attention(q, k, v, mask, p)
}

// attention implements scaled dot-product attention with grouped-query
// head sharing: query head h reads kv head h/(NumHeadsQ/NumHeadsKV),
// per §4.2's GQA contract.
func (b CPUBackend) attention(q, k, v Tensor, mask []float32, p AttentionParams) (Tensor, error) {
	qRows := q.NumElements() / (p.NumHeadsQ * p.HeadDim)
	kvRows := k.NumElements() / (p.NumHeadsKV * p.HeadDim)
	groupSize := p.NumHeadsQ / p.NumHeadsKV

	qd, kd, vd := q.Data(), k.Data(), v.Data()
	out := make([]float32, qRows*p.NumHeadsQ*p.HeadDim)

	// mask, when present, is the flattened (qRows x kvRows) matrix
	// kvcache.BuildMask returns: row qr gives query row qr's own causal
	// frontier, so each row masks independently instead of sharing one
	// frontier across the whole batch.
	scores := make([]float32, kvRows)
	for qr := 0; qr < qRows; qr++ {
		var maskRow []float32
		if len(mask) == qRows*kvRows {
			maskRow = mask[qr*kvRows : (qr+1)*kvRows]
		}
		for h := 0; h < p.NumHeadsQ; h++ {
			kvHead := h / groupSize
			qvec := qd[(qr*p.NumHeadsQ+h)*p.HeadDim : (qr*p.NumHeadsQ+h+1)*p.HeadDim]

			maxScore := float32(negInfCPU)
			for kr := 0; kr < kvRows; kr++ {
				kvec := kd[(kr*p.NumHeadsKV+kvHead)*p.HeadDim : (kr*p.NumHeadsKV+kvHead+1)*p.HeadDim]
				var dot float32
				for i, qv := range qvec {
					dot += qv * kvec[i]
				}
				s := dot * p.Scale
				if maskRow != nil {
					s += maskRow[kr]
				}
				scores[kr] = s
				if s > maxScore {
					maxScore = s
				}
			}

			var sum float32
			for kr := range scores {
				scores[kr] = expf(scores[kr] - maxScore)
				sum += scores[kr]
			}

			ovec := out[(qr*p.NumHeadsQ+h)*p.HeadDim : (qr*p.NumHeadsQ+h+1)*p.HeadDim]
			for kr := 0; kr < kvRows; kr++ {
				weight := scores[kr] / sum
				vvec := vd[(kr*p.NumHeadsKV+kvHead)*p.HeadDim : (kr*p.NumHeadsKV+kvHead+1)*p.HeadDim]
				for i, vv := range vvec {
					ovec[i] += weight * vv
				}
			}
		}
	}

	return NewTensor(F32, []int{qRows, p.NumHeadsQ * p.HeadDim}, out), nil
}

const negInfCPU = -1e30

func (CPUBackend) ResidualAdd(ctx context.Context, a, b Tensor) (Tensor, error) {
	if err := checkShape("residual_add", a.Shape(), b.Shape()); err != nil {
		return Tensor{}, err
	}
	out := make([]float32, len(a.Data()))
	for i, v := range a.Data() {
		out[i] = v + b.Data()[i]
	}
	return NewTensor(F32, a.Shape(), out), nil
}

func (CPUBackend) Softmax(ctx context.Context, x Tensor) (Tensor, error) {
	out := make([]float32, len(x.Data()))
	max := float32(negInfCPU)
	for _, v := range x.Data() {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x.Data() {
		out[i] = expf(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return NewTensor(F32, x.Shape(), out), nil
}

func (CPUBackend) Argmax(ctx context.Context, x Tensor) (int, error) {
	data := x.Data()
	if len(data) == 0 {
		return 0, engine.ErrShapeMismatch
	}
	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best, nil
}

func (CPUBackend) TopK(ctx context.Context, x Tensor, k int) ([]int, []float32, error) {
	data := x.Data()
	k = clamp(k, 0, len(data))
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	// simple selection: good enough at vocab-size k << len(data)
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if data[idx[j]] > data[idx[best]] {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	ids := idx[:k]
	vals := make([]float32, k)
	for i, id := range ids {
		vals[i] = data[id]
	}
	return append([]int{}, ids...), vals, nil
}
