// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/arg"
	"github.com/vaccel-project/vaccel-go/pkg/idpool"
	"github.com/vaccel-project/vaccel-go/pkg/profiling"
)

var dispatchLog = logrus.WithField("subsystem", "dispatch")

// SetDispatchLogger rewires this file's logger.
func SetDispatchLogger(logger *logrus.Entry) {
	fields := dispatchLog.Data
	dispatchLog = logger.WithFields(fields)
}

// regions is a single process-wide profiling RegionSet, named by op, the
// same shape as the C runtime's per-op vaccel_prof_region arrays with
// lookup by name. Kept at package
// scope since a Runtime has no natural place to carry non-config state
// used purely for observability; every Runtime shares the same named
// regions, which is fine since region identity is the op name, not the
// runtime instance.
var regions = profiling.NewRegionSet()

// dispatch is the common body every typed operation entry point and the
// genop gateway funnel through: validate session, start a profiling
// region, resolve the best implementation for (op, session.hint),
// invoke it, stop the region.
func dispatch(ctx context.Context, rt *Runtime, sess *Session, op OpType, read, write *arg.Array) error {
	if sess == nil {
		return NewError(EInval, "nil session")
	}
	if rt == nil {
		return NewError(EInval, "nil runtime")
	}

	region := regions.ByName(op.String())
	spanCtx := region.Start(ctx)
	defer region.Stop()

	fn, err := rt.plugins.GetOpFunc(op, sess.Hint)
	if err != nil {
		return err
	}

	_ = spanCtx // reserved for plugins that want to propagate trace context
	if err := fn(sess, read, write); err != nil {
		dispatchLog.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"session": sess.ID,
		}).Debug("operation dispatch failed")
		return err
	}
	return nil
}

// requireRegistered enforces the resource-argument precondition every
// resource-taking operation shares: any resource argument must already
// be registered with the session, else PERM.
func requireRegistered(sess *Session, res *Resource) error {
	if res == nil {
		return NewError(EInval, "nil resource")
	}
	if !sess.HasResource(res) {
		return NewError(EPerm, "resource %d is not registered with session %d", res.ID, sess.ID)
	}
	return nil
}

// NoOp dispatches the debug no-op operation, matching vaccel_noop.
func NoOp(ctx context.Context, rt *Runtime, sess *Session) error {
	return dispatch(ctx, rt, sess, OpNoop, arg.NewArray(0), arg.NewArray(0))
}

// Exec invokes a dynamically-loaded function by library path and symbol
// name, matching vaccel_exec. The plugin owns dlopen/dlsym/invoke; read
// and write are forwarded verbatim after the path and symbol.
func Exec(ctx context.Context, rt *Runtime, sess *Session, libPath, symbol string, read, write *arg.Array) error {
	full := arg.NewArray(2 + read.Count())
	if err := full.AddString(libPath); err != nil {
		return err
	}
	if err := full.AddString(symbol); err != nil {
		return err
	}
	if err := full.AddAll(read, false); err != nil {
		return err
	}
	return dispatch(ctx, rt, sess, OpExec, full, write)
}

// ExecWithResource invokes a dynamically-loaded function from a library
// already registered as a Resource with sess, matching
// vaccel_exec_with_resource. Returns PERM if res isn't registered with
// sess.
func ExecWithResource(ctx context.Context, rt *Runtime, sess *Session, res *Resource, symbol string, read, write *arg.Array) error {
	if err := requireRegistered(sess, res); err != nil {
		return err
	}

	full := arg.NewArray(2 + read.Count())
	if err := full.AddInt64(int64(res.ID)); err != nil {
		return err
	}
	if err := full.AddString(symbol); err != nil {
		return err
	}
	if err := full.AddAll(read, false); err != nil {
		return err
	}
	return dispatch(ctx, rt, sess, OpExecWithResource, full, write)
}

// SgemmArgs carries the BLAS SGEMM operands: m, n, k, alpha, a
// (lda-major), b (ldb-major), beta, c (ldc-major, written in place).
// lda/ldb/ldc are not sent as separate
// wire fields: a plugin recovers them from the matrix arguments' byte
// sizes the same way the in-process call here derives them from
// len(A)/len(B)/len(C).
type SgemmArgs struct {
	M, N, K    int32
	Alpha      float32
	A          []float32
	B          []float32
	Beta       float32
	C          []float32 // length m*ldc; written in place by the plugin
}

// BlasSgemm dispatches a BLAS SGEMM call, matching vaccel_sgemm.
func BlasSgemm(ctx context.Context, rt *Runtime, sess *Session, a SgemmArgs) error {
	read := arg.NewArray(7)
	if err := addInt32s(read, a.M, a.N, a.K); err != nil {
		return err
	}
	if err := read.AddFloat32(a.Alpha); err != nil {
		return err
	}
	if err := read.AddFromBuf(float32sToBytes(a.A), arg.Float32Array, 0); err != nil {
		return err
	}
	if err := read.AddFromBuf(float32sToBytes(a.B), arg.Float32Array, 0); err != nil {
		return err
	}
	if err := read.AddFloat32(a.Beta); err != nil {
		return err
	}

	write := arg.NewArray(1)
	cBuf := float32sToBytes(a.C)
	if err := write.AddFromBuf(cBuf, arg.Float32Array, 0); err != nil {
		return err
	}

	if err := dispatch(ctx, rt, sess, OpBlasSgemm, read, write); err != nil {
		return err
	}
	// write's float32-array arg aliases cBuf (added via AddFromBuf,
	// unowned), so a plugin writing into it mutates cBuf in place; decode
	// the result back into the caller's slice.
	copy(a.C, bytesToFloat32s(cBuf))
	return nil
}

func addInt32s(a *arg.Array, vs ...int32) error {
	for _, v := range vs {
		if err := a.AddInt32(v); err != nil {
			return err
		}
	}
	return nil
}

func float32sToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ImageResult is the output of an image operation: every image op
// produces an output-image name; classification additionally produces a
// text label. These are the only two shapes an image op comes in.
type ImageResult struct {
	Label         string // set only by Classify
	OutImageName  string
}

func imageOp(ctx context.Context, rt *Runtime, sess *Session, op OpType, image []byte, wantLabel bool) (*ImageResult, error) {
	read := arg.NewArray(1)
	if err := read.AddBuffer(image); err != nil {
		return nil, err
	}

	write := arg.NewArray(2)
	labelBuf := make([]byte, 0, 256)
	nameBuf := make([]byte, 0, 256)
	if wantLabel {
		if err := write.AddFromBuf(labelBuf, arg.Buffer, 0); err != nil {
			return nil, err
		}
	}
	if err := write.AddFromBuf(nameBuf, arg.Buffer, 0); err != nil {
		return nil, err
	}

	if err := dispatch(ctx, rt, sess, op, read, write); err != nil {
		return nil, err
	}

	res := &ImageResult{}
	write.Position = 0
	if wantLabel {
		b, err := write.GetBuffer()
		if err != nil {
			return nil, err
		}
		res.Label = string(b)
	}
	nb, err := write.GetBuffer()
	if err != nil {
		return nil, err
	}
	res.OutImageName = string(nb)
	return res, nil
}

// ImgClassify dispatches an image classification op, matching
// vaccel_image_classification. It is the two-write-buffer shape: label
// plus output image name.
func ImgClassify(ctx context.Context, rt *Runtime, sess *Session, image []byte) (*ImageResult, error) {
	return imageOp(ctx, rt, sess, OpImgClassify, image, true)
}

// ImgDetect dispatches an image detection op, matching
// vaccel_image_detection. One-write-buffer shape: output image name only.
func ImgDetect(ctx context.Context, rt *Runtime, sess *Session, image []byte) (*ImageResult, error) {
	return imageOp(ctx, rt, sess, OpImgDetect, image, false)
}

// ImgSegment dispatches an image segmentation op, matching
// vaccel_image_segmentation.
func ImgSegment(ctx context.Context, rt *Runtime, sess *Session, image []byte) (*ImageResult, error) {
	return imageOp(ctx, rt, sess, OpImgSegment, image, false)
}

// ImgPose dispatches an image pose-estimation op, matching
// vaccel_image_pose.
func ImgPose(ctx context.Context, rt *Runtime, sess *Session, image []byte) (*ImageResult, error) {
	return imageOp(ctx, rt, sess, OpImgPose, image, false)
}

// ImgDepth dispatches an image depth-estimation op, matching
// vaccel_image_depth.
func ImgDepth(ctx context.Context, rt *Runtime, sess *Session, image []byte) (*ImageResult, error) {
	return imageOp(ctx, rt, sess, OpImgDepth, image, false)
}

// Tensor mirrors struct vaccel_tf_tensor / vaccel_tflite_tensor: dtype,
// shape, data and an owned flag, used by both the TF and TFLite session
// run ops (the upstream runtime shares the shape between TF and
// TFLite).
type Tensor struct {
	DType  int32
	Shape  []int64
	Data   []byte
	Owned  bool
}

// TFStatus mirrors struct vaccel_tf_status, populated by the plugin on
// return from a TF/TFLite session run.
type TFStatus struct {
	Code    int32
	Message string
}

func encodeTensor(a *arg.Array, t Tensor) error {
	if err := a.AddInt32(t.DType); err != nil {
		return err
	}
	if err := a.AddFromBuf(int64sToBytes(t.Shape), arg.Int64Array, 0); err != nil {
		return err
	}
	return a.AddBuffer(t.Data)
}

func int64sToBytes(v []int64) []byte {
	out := make([]byte, len(v)*8)
	for i, d := range v {
		putInt64LE(out[i*8:], d)
	}
	return out
}

func putInt64LE(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// TFSessionRun dispatches a TensorFlow session-run op, matching
// vaccel_tf_session_run: a model resource, run-options buffer, named
// input tensors, and the node names of the requested outputs. Returns
// the output tensors and the plugin-populated status.
func TFSessionRun(ctx context.Context, rt *Runtime, sess *Session, model *Resource, runOptions []byte,
	inNodes []string, inTensors []Tensor, outNodes []string) ([]Tensor, *TFStatus, error) {
	if err := requireRegistered(sess, model); err != nil {
		return nil, nil, err
	}
	if len(inNodes) != len(inTensors) {
		return nil, nil, NewError(EInval, "in_nodes and in_tensors length mismatch")
	}

	read := arg.NewArray(4 + len(inNodes)*2 + len(outNodes))
	if err := read.AddInt64(int64(model.ID)); err != nil {
		return nil, nil, err
	}
	if err := read.AddBuffer(runOptions); err != nil {
		return nil, nil, err
	}
	if err := read.AddInt32(int32(len(inNodes))); err != nil {
		return nil, nil, err
	}
	for i, name := range inNodes {
		if err := read.AddString(name); err != nil {
			return nil, nil, err
		}
		if err := encodeTensor(read, inTensors[i]); err != nil {
			return nil, nil, err
		}
	}
	if err := read.AddInt32(int32(len(outNodes))); err != nil {
		return nil, nil, err
	}
	for _, name := range outNodes {
		if err := read.AddString(name); err != nil {
			return nil, nil, err
		}
	}

	write := arg.NewArray(len(outNodes)*3 + 2)
	for range outNodes {
		if err := write.AddInt32(0); err != nil {
			return nil, nil, err
		}
		if err := write.AddFromBuf(nil, arg.Int64Array, 0); err != nil {
			return nil, nil, err
		}
		if err := write.AddBuffer(nil); err != nil {
			return nil, nil, err
		}
	}
	if err := write.AddInt32(0); err != nil {
		return nil, nil, err
	}
	if err := write.AddFromBuf(nil, arg.Buffer, 0); err != nil {
		return nil, nil, err
	}

	if err := dispatch(ctx, rt, sess, OpTFSessionRun, read, write); err != nil {
		return nil, nil, err
	}

	write.Position = 0
	outTensors := make([]Tensor, len(outNodes))
	for i := range outNodes {
		dtype, err := write.GetInt32()
		if err != nil {
			return nil, nil, err
		}
		shape, err := write.GetInt64Array()
		if err != nil {
			return nil, nil, err
		}
		data, err := write.GetBuffer()
		if err != nil {
			return nil, nil, err
		}
		outTensors[i] = Tensor{DType: dtype, Shape: shape, Data: data}
	}
	statusCode, err := write.GetInt32()
	if err != nil {
		return nil, nil, err
	}
	statusMsg, err := write.GetBuffer()
	if err != nil {
		return nil, nil, err
	}
	return outTensors, &TFStatus{Code: statusCode, Message: string(statusMsg)}, nil
}


// RawOp dispatches any operation type whose wire shape belongs to the
// plugin kernel itself (MinMax, the four FPGA primitives, Torch
// jitload-forward/SGEMM, the generic OpenCV op, and the TF/TFLite
// lifecycle ops): read and write are forwarded to the chosen
// implementation exactly as built by the caller. The runtime owns how
// these are dispatched, not what their kernels compute.
func RawOp(ctx context.Context, rt *Runtime, sess *Session, op OpType, read, write *arg.Array) error {
	return dispatch(ctx, rt, sess, op, read, write)
}

// genopUnpacker interprets fixed argument positions for one operation
// and routes through its typed entry point, so a generic call enforces
// exactly the preconditions a direct call does (resource registration,
// operand shapes). read arrives with the leading opcode already
// stripped.
type genopUnpacker func(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error

// genopUnpackers maps each op with a typed entry point to its unpacker.
// Ops whose wire shape belongs to the plugin kernel (MinMax, FPGA,
// Torch, OpenCV, the TF/TFLite lifecycle ops) have no unpacker and fall
// through to RawOp's uninterpreted forwarding.
var genopUnpackers = map[OpType]genopUnpacker{
	OpNoop:             genopUnpackNoop,
	OpBlasSgemm:        genopUnpackBlasSgemm,
	OpImgClassify:      genopUnpackImage(OpImgClassify),
	OpImgDetect:        genopUnpackImage(OpImgDetect),
	OpImgSegment:       genopUnpackImage(OpImgSegment),
	OpImgPose:          genopUnpackImage(OpImgPose),
	OpImgDepth:         genopUnpackImage(OpImgDepth),
	OpExec:             genopUnpackExec,
	OpExecWithResource: genopUnpackExecWithResource,
	OpTFSessionRun:     genopUnpackTFSessionRun,
}

func genopUnpackNoop(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	return NoOp(ctx, rt, sess)
}

func genopUnpackExec(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	read.Position = 0
	libPath, err := read.GetString()
	if err != nil {
		return err
	}
	symbol, err := read.GetString()
	if err != nil {
		return err
	}
	rest := arg.NewArray(read.Remaining())
	if err := rest.AddRemaining(read, false); err != nil {
		return err
	}
	return Exec(ctx, rt, sess, libPath, symbol, rest, write)
}

func genopUnpackExecWithResource(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	read.Position = 0
	resID, err := read.GetInt64()
	if err != nil {
		return err
	}
	symbol, err := read.GetString()
	if err != nil {
		return err
	}
	res, err := rt.resources.GetByID(idpool.ID(resID))
	if err != nil {
		return err
	}
	rest := arg.NewArray(read.Remaining())
	if err := rest.AddRemaining(read, false); err != nil {
		return err
	}
	return ExecWithResource(ctx, rt, sess, res, symbol, rest, write)
}

// genopUnpackBlasSgemm recovers the SGEMM operands from their fixed
// positions. The leading dimensions are not wire fields: they are
// recovered from the matrix arguments' byte sizes (lda from read[4],
// ldb from read[5], ldc from write[0]), which survive the round trip
// through SgemmArgs as len(A)/len(B)/len(C).
func genopUnpackBlasSgemm(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	read.Position = 0
	m, err := read.GetInt32()
	if err != nil {
		return err
	}
	n, err := read.GetInt32()
	if err != nil {
		return err
	}
	k, err := read.GetInt32()
	if err != nil {
		return err
	}
	alpha, err := read.GetFloat32()
	if err != nil {
		return err
	}
	aVals, err := read.GetFloat32Array()
	if err != nil {
		return err
	}
	bVals, err := read.GetFloat32Array()
	if err != nil {
		return err
	}
	beta, err := read.GetFloat32()
	if err != nil {
		return err
	}

	cArg, err := write.At(0)
	if err != nil {
		return err
	}
	if cArg.Type != arg.Float32Array {
		return NewError(EInval, "sgemm write[0] has type %s, expected float32[]", cArg.Type)
	}
	c := bytesToFloat32s(cArg.Buf)

	if err := BlasSgemm(ctx, rt, sess, SgemmArgs{
		M: m, N: n, K: k,
		Alpha: alpha, A: aVals, B: bVals,
		Beta: beta, C: c,
	}); err != nil {
		return err
	}
	copy(cArg.Buf, float32sToBytes(c))
	return nil
}

func genopUnpackImage(op OpType) genopUnpacker {
	return func(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
		read.Position = 0
		image, err := read.GetBuffer()
		if err != nil {
			return err
		}
		res, err := imageOp(ctx, rt, sess, op, image, op == OpImgClassify)
		if err != nil {
			return err
		}
		write.Reset()
		if op == OpImgClassify {
			if err := write.AddBuffer([]byte(res.Label)); err != nil {
				return err
			}
		}
		return write.AddBuffer([]byte(res.OutImageName))
	}
}

func genopUnpackTFSessionRun(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	read.Position = 0
	modelID, err := read.GetInt64()
	if err != nil {
		return err
	}
	model, err := rt.resources.GetByID(idpool.ID(modelID))
	if err != nil {
		return err
	}
	runOptions, err := read.GetBuffer()
	if err != nil {
		return err
	}
	nIn, err := read.GetInt32()
	if err != nil {
		return err
	}
	inNodes := make([]string, 0, nIn)
	inTensors := make([]Tensor, 0, nIn)
	for i := int32(0); i < nIn; i++ {
		name, err := read.GetString()
		if err != nil {
			return err
		}
		dtype, err := read.GetInt32()
		if err != nil {
			return err
		}
		shape, err := read.GetInt64Array()
		if err != nil {
			return err
		}
		data, err := read.GetBuffer()
		if err != nil {
			return err
		}
		inNodes = append(inNodes, name)
		inTensors = append(inTensors, Tensor{DType: dtype, Shape: shape, Data: data})
	}
	nOut, err := read.GetInt32()
	if err != nil {
		return err
	}
	outNodes := make([]string, 0, nOut)
	for i := int32(0); i < nOut; i++ {
		name, err := read.GetString()
		if err != nil {
			return err
		}
		outNodes = append(outNodes, name)
	}

	outTensors, status, err := TFSessionRun(ctx, rt, sess, model, runOptions, inNodes, inTensors, outNodes)
	if err != nil {
		return err
	}

	write.Reset()
	for _, tensor := range outTensors {
		if err := write.AddInt32(tensor.DType); err != nil {
			return err
		}
		if err := write.AddFromBuf(int64sToBytes(tensor.Shape), arg.Int64Array, 0); err != nil {
			return err
		}
		if err := write.AddBuffer(tensor.Data); err != nil {
			return err
		}
	}
	if err := write.AddInt32(status.Code); err != nil {
		return err
	}
	return write.AddBuffer([]byte(status.Message))
}

// genop is the generic "opcode in argument 0" gateway, the protocol
// used over VirtIO: the host-side VirtIO plugin receives read/write
// vectors off the wire and calls this locally, matching vaccel_genop.
// read[0] must be an INT32 op_type; the remaining reads are handed to
// the op's unpacker, which routes through the same typed entry point a
// direct caller would use, so a generic call and a typed call are
// equivalent. Ops with no typed shape forward through RawOp unchanged.
func genop(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	if rt == nil {
		return NewError(EInval, "nil runtime")
	}
	if sess == nil {
		return NewError(EInval, "nil session")
	}

	read.Position = 0
	opCode, err := read.GetInt32()
	if err != nil {
		return NewError(EInval, "genop read[0] must be an int32 op_type: %v", err)
	}
	op := OpType(opCode)
	if !op.Valid() {
		return NewError(ENotSup, "genop: unknown op_type %d", opCode)
	}

	rest := arg.NewArray(read.Remaining())
	if err := rest.AddRemaining(read, false); err != nil {
		return err
	}
	if unpack, ok := genopUnpackers[op]; ok {
		return unpack(ctx, rt, sess, rest, write)
	}
	return RawOp(ctx, rt, sess, op, rest, write)
}

// Genop is the exported entry point for
// vaccel_genop(sess, read, nr_read, write, nr_write). The
// nr_read/nr_write counts of the C API are implicit in Go's slice/array
// lengths, so they aren't separate parameters here.
func Genop(ctx context.Context, rt *Runtime, sess *Session, read, write *arg.Array) error {
	return genop(ctx, rt, sess, read, write)
}
