// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vaccel-project/vaccel-go/pkg/arg"
	"github.com/vaccel-project/vaccel-go/pkg/virtio"
)

// NewVirtIOPlugin builds and registers the distinguished VirtIO
// plugin, backed by pkg/virtio's vsock/ttrpc transport
// rather than a dlopen'd shared library: a process that embeds its own
// remote backend (instead of loading one as a .so through LoadPlugin) calls
// this with its pluginManager directly, mirroring LoadPlugin's
// build-then-Register shape. Session and resource lifecycle calls and every
// RawOp/Genop dispatch are carried over client.Genop as a marshalled
// arg.Array payload: the generic gateway is the protocol spoken over
// VirtIO.
func NewVirtIOPlugin(ctx context.Context, mgr *pluginManager, addr string) (*Plugin, error) {
	client, err := virtio.Dial(ctx, addr, 0)
	if err != nil {
		return nil, NewError(ENoDev, "dialing virtio backend %q: %v", addr, err)
	}

	p := &Plugin{}
	var nextRemoteID int64

	p.Info = PluginInfo{
		Name:          "virtio",
		Version:       "1.0.0",
		VaccelVersion: runtimeSemVer.String(),
		TypeMask:      HintRemote,
		Init:          func() error { return nil },
		Fini:          func() error { return client.Close() },

		SessionInit: func(sess *Session, flags Hint) error {
			req := arg.NewArray(1)
			if err := req.AddUint32(uint32(flags)); err != nil {
				return err
			}
			if err := callVirtIO(ctx, client, "SessionInit", req); err != nil {
				return err
			}
			sess.RemoteID = atomic.AddInt64(&nextRemoteID, 1)
			return nil
		},
		SessionUpdate: func(sess *Session, flags Hint) error {
			req := arg.NewArray(2)
			if err := req.AddInt64(sess.RemoteID); err != nil {
				return err
			}
			if err := req.AddUint32(uint32(flags)); err != nil {
				return err
			}
			return callVirtIO(ctx, client, "SessionUpdate", req)
		},
		SessionRelease: func(sess *Session) error {
			req := arg.NewArray(1)
			if err := req.AddInt64(sess.RemoteID); err != nil {
				return err
			}
			return callVirtIO(ctx, client, "SessionRelease", req)
		},
		ResourceRegister: func(res *Resource, sess *Session) error {
			req := arg.NewArray(2)
			if err := req.AddInt64(int64(res.ID)); err != nil {
				return err
			}
			if err := req.AddInt64(sess.RemoteID); err != nil {
				return err
			}
			if err := callVirtIO(ctx, client, "ResourceRegister", req); err != nil {
				return err
			}
			res.RemoteID = atomic.AddInt64(&nextRemoteID, 1)
			return nil
		},
		ResourceUnregister: func(res *Resource, sess *Session) error {
			req := arg.NewArray(2)
			if err := req.AddInt64(res.RemoteID); err != nil {
				return err
			}
			if err := req.AddInt64(sess.RemoteID); err != nil {
				return err
			}
			return callVirtIO(ctx, client, "ResourceUnregister", req)
		},
	}

	if err := mgr.Register(p); err != nil {
		client.Close()
		return nil, err
	}
	registerGenericOps(p, mgr, client, ctx)

	return p, nil
}

// registerGenericOps registers one implementation per every stable op code
// against p, each forwarding its read array (prefixed with the op code,
// matching genop's read[0] convention) to the remote host over
// client.Genop. The write array is not sent; when it is non-nil, the
// argument array the remote returns is merged into it by
// mergeWriteResults. This is how a VirtIO plugin built on pkg/virtio
// satisfies plugin_get_op_func without a per-op remote method: the host
// side runs vaccel_genop locally on what it receives.
func registerGenericOps(p *Plugin, mgr *pluginManager, client *virtio.Client, ctx context.Context) {
	for op := OpNoop; op < opTypeCount; op++ {
		op := op
		p.registerOp(mgr, op, func(sess *Session, read, write *arg.Array) error {
			full := arg.NewArray(1 + read.Count())
			if err := full.AddInt32(int32(op)); err != nil {
				return err
			}
			if err := full.AddAll(read, false); err != nil {
				return err
			}

			payload, err := full.MarshalBinary()
			if err != nil {
				return err
			}
			resp, err := client.Genop(ctx, "Genop", payload)
			if err != nil {
				return virtioErrToCode(err)
			}
			if write == nil {
				return nil
			}
			remote := arg.NewArray(0)
			if err := remote.UnmarshalBinary(resp); err != nil {
				return err
			}
			return mergeWriteResults(write, remote)
		})
	}
}

// mergeWriteResults copies the remotely-produced write vector back into
// the caller's write args in place wherever the local arg still fits,
// so buffers the typed entry points alias with caller memory (e.g. the
// SGEMM C matrix) observe the results exactly as they would from an
// in-process plugin. Args whose size or type the remote changed, or a
// reshaped vector, are adopted wholesale instead.
func mergeWriteResults(dst, src *arg.Array) error {
	if src.Count() != dst.Count() {
		dst.Reset()
		return dst.AddAll(src, true)
	}
	for i := 0; i < src.Count(); i++ {
		s, err := src.At(i)
		if err != nil {
			return err
		}
		d, err := dst.At(i)
		if err != nil {
			return err
		}
		if d.Type == s.Type && len(d.Buf) == len(s.Buf) {
			copy(d.Buf, s.Buf)
			continue
		}
		d.Type = s.Type
		d.CustomTypeID = s.CustomTypeID
		d.Buf = append([]byte(nil), s.Buf...)
		d.Owned = true
	}
	return nil
}

// callVirtIO marshals req and invokes method over client, mapping a
// transport-level failure to the return code for a broken remote
// backend.
func callVirtIO(ctx context.Context, client *virtio.Client, method string, req *arg.Array) error {
	payload, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = client.Genop(ctx, method, payload)
	if err != nil {
		return virtioErrToCode(err)
	}
	return nil
}

// virtioErrToCode maps a grpc/ttrpc status error to a vaccel Code:
// CONNRESET for a broken session transport, PROTO for a backend
// protocol error, REMOTEIO otherwise.
func virtioErrToCode(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewError(ERemoteIO, "virtio transport error: %v", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return NewError(EConnReset, "virtio backend unreachable: %s", st.Message())
	case codes.Unimplemented, codes.InvalidArgument:
		return NewError(EProto, "virtio backend protocol error: %s", st.Message())
	default:
		return NewError(ERemoteIO, "virtio backend error: %s", st.Message())
	}
}
