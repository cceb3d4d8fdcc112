// SPDX-License-Identifier: Apache-2.0

package vaccel

// OpType is the stable, wire-exposed operation type code. The exact
// numbering is pinned by the upstream C runtime's enum vaccel_op_type
// and must not change: it travels over VirtIO as read[0] of a genop
// call. The TF lifecycle runs 8-14 inclusive (model
// new/destroy/register/unregister, then session load/run/delete) and
// the TFLite lifecycle is only the three session ops at 24-26 -- there
// is no TFLite model new/destroy slot in the pinned numbering.
type OpType int

const (
	OpNoop OpType = iota
	OpBlasSgemm
	OpImgClassify
	OpImgDetect
	OpImgSegment
	OpImgPose
	OpImgDepth
	OpExec
	OpTFModelNew
	OpTFModelDestroy
	OpTFModelRegister
	OpTFModelUnregister
	OpTFSessionLoad
	OpTFSessionRun
	OpTFSessionDelete
	OpMinMax
	OpFPGAArrayCopy
	OpFPGAMmult
	OpFPGAParallel
	OpFPGAVectorAdd
	OpExecWithResource
	OpTorchJitloadForward
	OpTorchSgemm
	OpOpenCV
	OpTFliteSessionLoad
	OpTFliteSessionRun
	OpTFliteSessionDelete
	// opTypeCount is the number of stable op codes, used to size the
	// per-op-type implementation table.
	opTypeCount
)

var opTypeNames = map[OpType]string{
	OpNoop:                "noop",
	OpBlasSgemm:           "blas_sgemm",
	OpImgClassify:         "image_classify",
	OpImgDetect:           "image_detect",
	OpImgSegment:          "image_segment",
	OpImgPose:             "image_pose",
	OpImgDepth:            "image_depth",
	OpExec:                "exec",
	OpTFModelNew:          "tf_model_new",
	OpTFModelDestroy:      "tf_model_destroy",
	OpTFModelRegister:     "tf_model_register",
	OpTFModelUnregister:   "tf_model_unregister",
	OpTFSessionLoad:       "tf_session_load",
	OpTFSessionRun:        "tf_session_run",
	OpTFSessionDelete:     "tf_session_delete",
	OpMinMax:              "minmax",
	OpFPGAArrayCopy:       "fpga_arraycopy",
	OpFPGAMmult:           "fpga_mmult",
	OpFPGAParallel:        "fpga_parallel",
	OpFPGAVectorAdd:       "fpga_vectoradd",
	OpExecWithResource:    "exec_with_resource",
	OpTorchJitloadForward: "torch_jitload_forward",
	OpTorchSgemm:          "torch_sgemm",
	OpOpenCV:              "opencv",
	OpTFliteSessionLoad:   "tflite_session_load",
	OpTFliteSessionRun:    "tflite_session_run",
	OpTFliteSessionDelete: "tflite_session_delete",
}

func (t OpType) String() string {
	if s, ok := opTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether t is one of the stable, registered op codes.
func (t OpType) Valid() bool {
	return t >= OpNoop && t < opTypeCount
}
