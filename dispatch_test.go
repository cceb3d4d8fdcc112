// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaccel-project/vaccel-go/pkg/arg"
	"github.com/vaccel-project/vaccel-go/pkg/idpool"
)

func int32ToBytes(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func bytesToInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// TestExecRoundTrip exercises the exec round trip end to end: a library
// function "mytestfunc(int)->int" that doubles its input, dispatched
// in-process, verifying both the result and that dispatch left the
// session's registered-resource set untouched.
func TestExecRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	p := &Plugin{Info: noopPluginInfo("exec-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpExec, func(sess *Session, read, write *arg.Array) error {
		read.Position = 0
		if _, err := read.GetString(); err != nil {
			return err
		}
		if _, err := read.GetString(); err != nil {
			return err
		}
		n, err := read.GetInt32()
		if err != nil {
			return err
		}
		return write.SetBuffer(int32ToBytes(n * 2))
	})

	read := arg.NewArray(1)
	require.NoError(t, read.AddInt32(21))
	write := arg.NewArray(1)
	require.NoError(t, write.AddFromBuf(make([]byte, 4), arg.Buffer, 0))

	require.NoError(t, Exec(context.Background(), rt, sess, "/lib/mytest.so", "mytestfunc", read, write))

	write.Position = 0
	out, err := write.GetBuffer()
	require.NoError(t, err)
	assert.Equal(t, int32(42), bytesToInt32(out))

	assert.Empty(t, sess.ResourcesByType(ResourceLib))
	assert.Empty(t, sess.ResourcesByType(ResourceData))
	assert.Empty(t, sess.ResourcesByType(ResourceModel))
}

func TestExecWithResourceRequiresRegistered(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	res, err := NewResourceFromBuffer(rt, ResourceLib, []byte("so-bytes"), "mylib.so", true)
	require.NoError(t, err)

	read := arg.NewArray(0)
	write := arg.NewArray(0)
	err = ExecWithResource(context.Background(), rt, sess, res, "mytestfunc", read, write)
	assert.True(t, IsCode(err, EPerm))
}

func TestExecWithResourceRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	res, err := NewResourceFromBuffer(rt, ResourceLib, []byte("so-bytes"), "mylib.so", true)
	require.NoError(t, err)
	require.NoError(t, res.Register(context.Background(), rt, sess))

	p := &Plugin{Info: noopPluginInfo("exec-resource-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpExecWithResource, func(sess *Session, read, write *arg.Array) error {
		read.Position = 0
		id, err := read.GetInt64()
		if err != nil {
			return err
		}
		if idpool.ID(id) != res.ID {
			return NewError(EInval, "unexpected resource id")
		}
		return nil
	})

	read := arg.NewArray(0)
	write := arg.NewArray(0)
	require.NoError(t, ExecWithResource(context.Background(), rt, sess, res, "mytestfunc", read, write))
}

func TestBlasSgemmRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	p := &Plugin{Info: noopPluginInfo("sgemm-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpBlasSgemm, func(sess *Session, read, write *arg.Array) error {
		// plugin mutates the write arg's aliased buffer in place.
		cArg, err := write.At(0)
		if err != nil {
			return err
		}
		for i := range cArg.Buf {
			cArg.Buf[i] = 0xAA
		}
		return nil
	})

	c := []float32{1, 2, 3}
	args := SgemmArgs{
		M: 1, N: 3, K: 1,
		Alpha: 1, Beta: 0,
		A: []float32{1}, B: []float32{1, 2, 3},
		C: c,
	}
	require.NoError(t, BlasSgemm(context.Background(), rt, sess, args))
	for _, v := range args.C {
		assert.NotEqual(t, float32(0), v)
	}
}

func TestImgClassifyTwoWriteShape(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	p := &Plugin{Info: noopPluginInfo("classify-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpImgClassify, func(sess *Session, read, write *arg.Array) error {
		if err := write.SetBuffer([]byte("cat")); err != nil {
			return err
		}
		return write.SetBuffer([]byte("out.png"))
	})

	res, err := ImgClassify(context.Background(), rt, sess, []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "cat", res.Label)
	assert.Equal(t, "out.png", res.OutImageName)
}

func TestImgDetectOneWriteShape(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	p := &Plugin{Info: noopPluginInfo("detect-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpImgDetect, func(sess *Session, read, write *arg.Array) error {
		return write.SetBuffer([]byte("out.png"))
	})

	res, err := ImgDetect(context.Background(), rt, sess, []byte("image-bytes"))
	require.NoError(t, err)
	assert.Empty(t, res.Label)
	assert.Equal(t, "out.png", res.OutImageName)
}

// TestTFSessionRunRoundTrip exercises the read-side encoding (model id,
// run options, named input tensors) and the write-side decode by having
// the mock plugin overwrite each write arg's backing buffer directly,
// the same low-level aliasing a VirtIO or dlopen'd plugin uses instead
// of the typed Set* helpers (which only cover Buffer/String/Custom).
func TestTFSessionRunRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	model, err := NewResourceFromBuffer(rt, ResourceModel, []byte("graph-bytes"), "model.pb", true)
	require.NoError(t, err)
	require.NoError(t, model.Register(context.Background(), rt, sess))

	p := &Plugin{Info: noopPluginInfo("tf-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpTFSessionRun, func(sess *Session, read, write *arg.Array) error {
		read.Position = 0
		modelID, err := read.GetInt64()
		if err != nil {
			return err
		}
		if idpool.ID(modelID) != model.ID {
			return NewError(EInval, "unexpected model id")
		}

		// Mutate each write arg's backing buffer directly via At, the
		// way a dlopen'd or VirtIO-side plugin writes through a raw
		// pointer rather than through the typed Set* helpers (which
		// only cover same-length Buffer/String/Custom slots).
		dtypeArg, err := write.At(0)
		if err != nil {
			return err
		}
		copy(dtypeArg.Buf, int32ToBytes(7))

		statusCodeArg, err := write.At(3)
		if err != nil {
			return err
		}
		copy(statusCodeArg.Buf, int32ToBytes(0))
		return nil
	})

	_, status, err := TFSessionRun(context.Background(), rt, sess, model, nil,
		[]string{"input"}, []Tensor{{DType: 1, Shape: []int64{1, 2}, Data: []byte{1, 2}}}, []string{"output"})
	require.NoError(t, err)
	assert.NotNil(t, status)
}

func TestTFSessionRunRequiresRegisteredModel(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	model, err := NewResourceFromBuffer(rt, ResourceModel, []byte("graph-bytes"), "model.pb", true)
	require.NoError(t, err)

	_, _, err = TFSessionRun(context.Background(), rt, sess, model, nil,
		[]string{"input"}, []Tensor{{DType: 1}}, []string{"output"})
	assert.True(t, IsCode(err, EPerm))
}

func TestTFSessionRunMismatchedNodesAndTensors(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	model, err := NewResourceFromBuffer(rt, ResourceModel, []byte("graph-bytes"), "model.pb", true)
	require.NoError(t, err)
	require.NoError(t, model.Register(context.Background(), rt, sess))

	_, _, err = TFSessionRun(context.Background(), rt, sess, model, nil,
		[]string{"in1", "in2"}, []Tensor{{DType: 1}}, []string{"output"})
	assert.True(t, IsCode(err, EInval))
}

func TestGenopEquivalentToTypedEntryPoint(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	var gotHint Hint
	var calls int
	p := &Plugin{Info: noopPluginInfo("genop-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpNoop, func(sess *Session, read, write *arg.Array) error {
		gotHint = sess.Hint
		calls++
		return nil
	})

	require.NoError(t, NoOp(context.Background(), rt, sess))

	read := arg.NewArray(1)
	require.NoError(t, read.AddInt32(int32(OpNoop)))
	write := arg.NewArray(0)
	require.NoError(t, Genop(context.Background(), rt, sess, read, write))

	assert.Equal(t, 2, calls)
	assert.Equal(t, HintDebug, gotHint)
}

// TestGenopBlasSgemmMatchesTypedEntryPoint drives the same operands
// through the typed BlasSgemm call and the generic gateway and expects
// identical results, including the leading dimensions the unpacker
// recovers from the matrix arguments' sizes rather than wire fields.
func TestGenopBlasSgemmMatchesTypedEntryPoint(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	p := &Plugin{Info: noopPluginInfo("sgemm-genop-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpBlasSgemm, func(sess *Session, read, write *arg.Array) error {
		read.Position = 0
		if _, err := read.GetInt32(); err != nil { // m
			return err
		}
		if _, err := read.GetInt32(); err != nil { // n
			return err
		}
		if _, err := read.GetInt32(); err != nil { // k
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
		cArg, err := write.At(0)
		if err != nil {
			return err
		}
		out := make([]float32, len(cArg.Buf)/4)
		for i := range out {
			out[i] = alpha * aVals[0]
		}
		copy(cArg.Buf, float32sToBytes(out))
		return nil
	})

	args := SgemmArgs{
		M: 1, N: 3, K: 1,
		Alpha: 2, Beta: 0,
		A: []float32{5}, B: []float32{1, 2, 3},
	}

	typedC := make([]float32, 3)
	typedArgs := args
	typedArgs.C = typedC
	require.NoError(t, BlasSgemm(context.Background(), rt, sess, typedArgs))

	read := arg.NewArray(8)
	require.NoError(t, read.AddInt32(int32(OpBlasSgemm)))
	require.NoError(t, read.AddInt32(args.M))
	require.NoError(t, read.AddInt32(args.N))
	require.NoError(t, read.AddInt32(args.K))
	require.NoError(t, read.AddFloat32(args.Alpha))
	require.NoError(t, read.AddFromBuf(float32sToBytes(args.A), arg.Float32Array, 0))
	require.NoError(t, read.AddFromBuf(float32sToBytes(args.B), arg.Float32Array, 0))
	require.NoError(t, read.AddFloat32(args.Beta))

	genopC := make([]byte, 3*4)
	write := arg.NewArray(1)
	require.NoError(t, write.AddFromBuf(genopC, arg.Float32Array, 0))

	require.NoError(t, Genop(context.Background(), rt, sess, read, write))
	assert.Equal(t, typedC, bytesToFloat32s(genopC))
}

// TestGenopExecWithResourceRequiresRegistered proves the generic
// gateway enforces the same registration precondition as the typed
// entry point: an exec-with-resource call naming a resource the session
// never registered fails with PERM instead of reaching the plugin.
func TestGenopExecWithResourceRequiresRegistered(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	res, err := NewResourceFromBuffer(rt, ResourceLib, []byte("lib-bytes"), "libtest.so", true)
	require.NoError(t, err)

	var pluginCalled bool
	p := &Plugin{Info: noopPluginInfo("exec-genop-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpExecWithResource, func(sess *Session, read, write *arg.Array) error {
		pluginCalled = true
		return nil
	})

	read := arg.NewArray(3)
	require.NoError(t, read.AddInt32(int32(OpExecWithResource)))
	require.NoError(t, read.AddInt64(int64(res.ID)))
	require.NoError(t, read.AddString("mytestfunc"))
	write := arg.NewArray(0)

	err = Genop(context.Background(), rt, sess, read, write)
	assert.True(t, IsCode(err, EPerm))
	assert.False(t, pluginCalled)

	require.NoError(t, res.Register(context.Background(), rt, sess))
	read.Position = 0
	require.NoError(t, Genop(context.Background(), rt, sess, read, write))
	assert.True(t, pluginCalled)
}

func TestGenopExecWithResourceUnknownIDFails(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	read := arg.NewArray(3)
	require.NoError(t, read.AddInt32(int32(OpExecWithResource)))
	require.NoError(t, read.AddInt64(999))
	require.NoError(t, read.AddString("mytestfunc"))
	write := arg.NewArray(0)

	err = Genop(context.Background(), rt, sess, read, write)
	assert.True(t, IsCode(err, ENoEnt))
}

func TestGenopTFSessionRunRequiresRegisteredModel(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	model, err := NewResourceFromBuffer(rt, ResourceModel, []byte("graph-bytes"), "model.pb", true)
	require.NoError(t, err)

	read := arg.NewArray(5)
	require.NoError(t, read.AddInt32(int32(OpTFSessionRun)))
	require.NoError(t, read.AddInt64(int64(model.ID)))
	require.NoError(t, read.AddBuffer(nil)) // run options
	require.NoError(t, read.AddInt32(0))    // no inputs
	require.NoError(t, read.AddInt32(0))    // no outputs
	write := arg.NewArray(0)

	err = Genop(context.Background(), rt, sess, read, write)
	assert.True(t, IsCode(err, EPerm))
}

func TestGenopRejectsUnknownOpType(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	read := arg.NewArray(1)
	require.NoError(t, read.AddInt32(999))
	write := arg.NewArray(0)

	err = Genop(context.Background(), rt, sess, read, write)
	assert.True(t, IsCode(err, ENotSup))
}

func TestGenopRejectsNonInt32Opcode(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	read := arg.NewArray(1)
	require.NoError(t, read.AddString("not-an-opcode"))
	write := arg.NewArray(0)

	err = Genop(context.Background(), rt, sess, read, write)
	assert.True(t, IsCode(err, EInval))
}

func TestDispatchRejectsNilSessionOrRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	read := arg.NewArray(0)
	write := arg.NewArray(0)

	err = dispatch(context.Background(), nil, sess, OpNoop, read, write)
	assert.True(t, IsCode(err, EInval))

	err = dispatch(context.Background(), rt, nil, OpNoop, read, write)
	assert.True(t, IsCode(err, EInval))
}

func TestRawOpForwardsUninterpreted(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	var sawCount int
	p := &Plugin{Info: noopPluginInfo("fpga-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpFPGAVectorAdd, func(sess *Session, read, write *arg.Array) error {
		sawCount = read.Count()
		return nil
	})

	read := arg.NewArray(2)
	require.NoError(t, read.AddInt32(1))
	require.NoError(t, read.AddInt32(2))
	write := arg.NewArray(0)

	require.NoError(t, RawOp(context.Background(), rt, sess, OpFPGAVectorAdd, read, write))
	assert.Equal(t, 2, sawCount)
}

func TestNoOpDispatches(t *testing.T) {
	rt := newTestRuntime(t)
	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	called := false
	p := &Plugin{Info: noopPluginInfo("noop-mock")}
	require.NoError(t, rt.plugins.Register(p))
	p.RegisterOp(rt.plugins, OpNoop, func(sess *Session, read, write *arg.Array) error {
		called = true
		return nil
	})

	require.NoError(t, NoOp(context.Background(), rt, sess))
	assert.True(t, called)
}
