// SPDX-License-Identifier: Apache-2.0

package vaccel

// ResourceType classifies a Resource's artifact kind, matching
// enum vaccel_resource_type.
type ResourceType int

const (
	ResourceLib ResourceType = iota
	ResourceData
	ResourceModel
	// resourceTypeMax is the number of resource types
	// (VACCEL_RESOURCE_MAX in the upstream C runtime).
	resourceTypeMax
)

func (t ResourceType) String() string {
	switch t {
	case ResourceLib:
		return "lib"
	case ResourceData:
		return "data"
	case ResourceModel:
		return "model"
	default:
		return "unknown"
	}
}

// PathType classifies how a Resource's construction paths were
// interpreted, matching enum vaccel_path_type.
type PathType int

const (
	PathLocalFile PathType = iota
	PathLocalDir
	PathRemoteFile
)

func (t PathType) String() string {
	switch t {
	case PathLocalFile:
		return "local_file"
	case PathLocalDir:
		return "local_dir"
	case PathRemoteFile:
		return "remote_file"
	default:
		return "unknown"
	}
}

// Hint is the placement bitmask a Session carries, combining
// backend-type bits with the distinguished Remote bit, matching the C
// runtime's VACCEL_PLUGIN_* flags.
type Hint uint32

const (
	HintCPU Hint = 1 << iota
	HintGPU
	HintFPGA
	HintSoftware
	HintTensorFlow
	HintTorch
	HintJetson
	HintGeneric
	HintDebug
	// HintRemote marks a session for VirtIO offload, or for `plugin_get_op_func`
	// to restrict selection to the VirtIO plugin's implementation.
	HintRemote
)

// WithoutRemote clears the Remote bit, matching `flags & ~REMOTE`'s use
// both at session init (before forwarding to a VirtIO plugin's
// session_init) and at op-selection priority computation.
func (h Hint) WithoutRemote() Hint {
	return h &^ HintRemote
}

// HasRemote reports whether the Remote bit is set.
func (h Hint) HasRemote() bool {
	return h&HintRemote != 0
}
