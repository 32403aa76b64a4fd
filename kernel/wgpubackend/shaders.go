package wgpubackend

// WGSL source for the handful of compute kernels this backend dispatches
// directly. Each shader takes its operands in binding group 0 and its
// kernel.UniformDescriptor in binding group 1, matching the bind-group
// layout convention the teacher's gpu buffer manager uses (per-pass
// group 0 for data, a later group for per-call parameters).

const matmulShaderSrc = `
struct Uniforms {
  rows: u32,
  cols: u32,
  stride: u32,
  batch: u32,
  head_dim: u32,
  num_heads: u32,
  num_heads_kv: u32,
  scale: f32,
  theta: f32,
  flags: u32,
  pad0: u32,
  pad1: u32,
}

@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> weight: array<f32>;
@group(0) @binding(2) var<storage, read_write> out: array<f32>;
@group(1) @binding(0) var<uniform> u: Uniforms;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  let row = gid.x;
  if (row >= u.rows) {
    return;
  }
  for (var c: u32 = 0u; c < u.cols; c = c + 1u) {
    var acc: f32 = 0.0;
    for (var k: u32 = 0u; k < u.stride; k = k + 1u) {
      acc = acc + x[row * u.stride + k] * weight[c * u.stride + k];
    }
    out[row * u.cols + c] = acc;
  }
}
`

const rmsNormShaderSrc = `
struct Uniforms {
  rows: u32,
  cols: u32,
  stride: u32,
  batch: u32,
  head_dim: u32,
  num_heads: u32,
  num_heads_kv: u32,
  scale: f32,
  theta: f32,
  flags: u32,
  pad0: u32,
  pad1: u32,
}

@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> weight: array<f32>;
@group(0) @binding(2) var<storage, read_write> out: array<f32>;
@group(1) @binding(0) var<uniform> u: Uniforms;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  let row = gid.x;
  if (row >= u.rows) {
    return;
  }
  var ss: f32 = 0.0;
  for (var i: u32 = 0u; i < u.cols; i = i + 1u) {
    let v = x[row * u.cols + i];
    ss = ss + v * v;
  }
  let eps = u.scale;
  let denom = sqrt(ss / f32(u.cols) + eps);
  let plusOne = (u.flags & 1u) != 0u;
  for (var i: u32 = 0u; i < u.cols; i = i + 1u) {
    var w = weight[i];
    if (plusOne) {
      w = w + 1.0;
    }
    out[row * u.cols + i] = (x[row * u.cols + i] / denom) * w;
  }
}
`

const softmaxShaderSrc = `
struct Uniforms {
  rows: u32,
  cols: u32,
  stride: u32,
  batch: u32,
  head_dim: u32,
  num_heads: u32,
  num_heads_kv: u32,
  scale: f32,
  theta: f32,
  flags: u32,
  pad0: u32,
  pad1: u32,
}

@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> out: array<f32>;
@group(1) @binding(0) var<uniform> u: Uniforms;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  let row = gid.x;
  if (row >= u.rows) {
    return;
  }
  var maxV: f32 = x[row * u.cols];
  for (var i: u32 = 1u; i < u.cols; i = i + 1u) {
    let v = x[row * u.cols + i];
    if (v > maxV) {
      maxV = v;
    }
  }
  var sum: f32 = 0.0;
  for (var i: u32 = 0u; i < u.cols; i = i + 1u) {
    let e = exp(x[row * u.cols + i] - maxV);
    out[row * u.cols + i] = e;
    sum = sum + e;
  }
  for (var i: u32 = 0u; i < u.cols; i = i + 1u) {
    out[row * u.cols + i] = out[row * u.cols + i] / sum;
  }
}
`

const residualAddShaderSrc = `
struct Uniforms {
  rows: u32,
  cols: u32,
  stride: u32,
  batch: u32,
  head_dim: u32,
  num_heads: u32,
  num_heads_kv: u32,
  scale: f32,
  theta: f32,
  flags: u32,
  pad0: u32,
  pad1: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> out: array<f32>;
@group(1) @binding(0) var<uniform> u: Uniforms;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
  let i = gid.x;
  let n = u.rows * u.cols;
  if (i >= n) {
    return;
  }
  out[i] = a[i] + b[i];
}
`
