package manifest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/doppler/engine/engine"
)

const ggufMagicLE = 0x46554747

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

var ggufTensorTypeNames = map[uint32]DType{
	0:  DTypeF32,
	1:  DTypeF16,
	8:  DTypeQ8, // Q8_0
	12: DTypeQ4K,
	30: DTypeBF16,
}

// FromGGUF decodes a GGUF stream into a Manifest, per §3.6: the key-value
// section is read into named metadata and the tensor info table into
// TensorDescriptor entries. shardID labels every tensor with the shard
// (file) it came from so multi-file weight sets can be distinguished by
// the weight loader.
func FromGGUF(r io.ReadSeeker, shardID string) (*Manifest, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read gguf magic: %w", engine.ErrManifestInvalid)
	}
	if magic != ggufMagicLE {
		return nil, fmt.Errorf("not a gguf little-endian file: %w", engine.ErrManifestInvalid)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read gguf version: %w", engine.ErrManifestInvalid)
	}

	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", engine.ErrManifestInvalid)
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, fmt.Errorf("read kv count: %w", engine.ErrManifestInvalid)
	}

	kv := make(map[string]any, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			return nil, fmt.Errorf("read kv key %d: %w", i, engine.ErrManifestInvalid)
		}
		val, err := readGGUFValue(r)
		if err != nil {
			return nil, fmt.Errorf("read kv value for %q: %w", key, engine.ErrManifestInvalid)
		}
		kv[key] = val
	}

	type rawTensor struct {
		name   string
		dims   []uint64
		dtype  uint32
		offset uint64
	}
	raw := make([]rawTensor, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := readGGUFString(r)
		if err != nil {
			return nil, fmt.Errorf("read tensor name %d: %w", i, engine.ErrManifestInvalid)
		}
		var nDims uint32
		if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
			return nil, fmt.Errorf("read tensor ndims for %q: %w", name, engine.ErrManifestInvalid)
		}
		dims := make([]uint64, nDims)
		for d := range dims {
			if err := binary.Read(r, binary.LittleEndian, &dims[d]); err != nil {
				return nil, fmt.Errorf("read tensor dim for %q: %w", name, engine.ErrManifestInvalid)
			}
		}
		var dtype uint32
		if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
			return nil, fmt.Errorf("read tensor dtype for %q: %w", name, engine.ErrManifestInvalid)
		}
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, fmt.Errorf("read tensor offset for %q: %w", name, engine.ErrManifestInvalid)
		}
		raw = append(raw, rawTensor{name, dims, dtype, offset})
	}

	alignment := uint64(32)
	if a, ok := kv["general.alignment"]; ok {
		if v, ok := toUint64(a); ok && v != 0 {
			alignment = v
		}
	}

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek after kv/tensor table: %w", engine.ErrManifestInvalid)
	}
	if rem := uint64(pos) % alignment; rem != 0 {
		pos += int64(alignment - rem)
	}
	dataStart := pos

	m := &Manifest{Tensors: make(map[string]TensorDescriptor, len(raw))}
	for _, t := range raw {
		dtype, ok := ggufTensorTypeNames[t.dtype]
		if !ok {
			return nil, fmt.Errorf("tensor %q: unsupported gguf type id %d: %w", t.name, t.dtype, engine.ErrManifestInvalid)
		}
		// GGUF lists dims fastest-varying first; Shape is row-major, so the
		// order is reversed (a linear weight becomes (out, in)).
		shape := make([]int, len(t.dims))
		n := int64(1)
		for i, d := range t.dims {
			shape[len(t.dims)-1-i] = int(d)
			n *= int64(d)
		}
		var length int64
		switch dtype {
		case DTypeF32:
			length = n * 4
		case DTypeF16, DTypeBF16:
			length = n * 2
		case DTypeQ4K:
			length = n / 256 * 144
		case DTypeQ8:
			length = n / 32 * 34
		}
		m.Tensors[t.name] = TensorDescriptor{
			Name:    t.name,
			DType:   dtype,
			Shape:   shape,
			ShardID: shardID,
			Offset:  dataStart + int64(t.offset),
			Length:  length,
		}
	}

	applyKV(m, kv)
	return m, nil
}

func readGGUFString(r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readGGUFValue(r io.Reader) (any, error) {
	var typ uint32
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, err
	}
	return readGGUFTypedValue(r, typ)
}

func readGGUFTypedValue(r io.Reader, typ uint32) (any, error) {
	switch typ {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readGGUFString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		arr := make([]any, n)
		for i := range arr {
			v, err := readGGUFTypedValue(r, elemType)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown gguf value type %d", typ)
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func toFloat32(v any) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	case uint32:
		return float32(n), true
	case int32:
		return float32(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	u, ok := toUint64(v)
	return int(u), ok
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// applyKV maps well-known GGUF metadata keys onto Manifest fields, the
// way gemma3n/model_text.go reads "attention.sliding_window_pattern" and
// "rope.freq_base_local" out of a KV map. Unknown keys are ignored per
// §6.2: "unknown fields are ignored."
func applyKV(m *Manifest, kv map[string]any) {
	get := func(keys ...string) (any, bool) {
		for _, k := range keys {
			if v, ok := kv[k]; ok {
				return v, true
			}
		}
		return nil, false
	}

	if v, ok := get("vocab_size", "tokenizer.ggml.vocab_size"); ok {
		if n, ok := toInt(v); ok {
			m.VocabSize = n
		}
	}
	if v, ok := get("embedding_length", "hidden_size"); ok {
		if n, ok := toInt(v); ok {
			m.HiddenSize = n
		}
	}
	if v, ok := get("block_count", "num_layers"); ok {
		if n, ok := toInt(v); ok {
			m.NumLayers = n
		}
	}
	if v, ok := get("attention.head_count", "num_attention_heads"); ok {
		if n, ok := toInt(v); ok {
			m.NumHeadsQ = n
		}
	}
	if v, ok := get("attention.head_count_kv", "num_kv_heads"); ok {
		if n, ok := toInt(v); ok {
			m.NumHeadsKV = n
		}
	}
	if v, ok := get("attention.key_length", "head_dim"); ok {
		if n, ok := toInt(v); ok {
			m.HeadDim = n
		}
	}
	if v, ok := get("feed_forward_length", "intermediate_size"); ok {
		if n, ok := toInt(v); ok {
			m.Intermediate = n
		}
	}
	if v, ok := get("attention.layer_norm_rms_epsilon", "rms_norm_eps"); ok {
		if f, ok := toFloat32(v); ok {
			m.RMSNormEps = f
		}
	}
	if v, ok := get("rope.freq_base", "rope_theta_global"); ok {
		if f, ok := toFloat32(v); ok {
			m.RopeThetaGlobal = f
		}
	}
	if v, ok := get("rope.freq_base_local", "rope_theta_local"); ok {
		if f, ok := toFloat32(v); ok {
			m.RopeThetaLocal = f
		}
	}
	if v, ok := get("rope.interleaved", "rope_interleaved"); ok {
		if b, ok := toBool(v); ok {
			m.RopeInterleaved = b
		}
	}
	if v, ok := get("attention.sliding_window_pattern", "sliding_window_pattern"); ok {
		if n, ok := toInt(v); ok {
			m.SlidingWindowPattern = n
		}
	}
	if v, ok := get("attention.sliding_window", "sliding_window_size"); ok {
		if n, ok := toInt(v); ok {
			m.SlidingWindowSize = n
		}
	}
	if v, ok := get("context_length", "max_position"); ok {
		if n, ok := toInt(v); ok {
			m.MaxPosition = n
		}
	}
	if v, ok := get("rms_norm_weight_offset"); ok {
		if b, ok := toBool(v); ok && b {
			m.NormConvention = NormPlusOne
		}
	}
	if v, ok := get("scale_embeddings"); ok {
		if b, ok := toBool(v); ok {
			m.ScaleEmbeddings = b
		}
	}
}
