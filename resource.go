// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/blob"
	"github.com/vaccel-project/vaccel-go/pkg/fs"
	"github.com/vaccel-project/vaccel-go/pkg/idpool"
)

var resourceLog = logrus.WithField("subsystem", "resource")

// SetResourceLogger rewires this file's logger.
func SetResourceLogger(logger *logrus.Entry) {
	fields := resourceLog.Data
	resourceLog = logger.WithFields(fields)
}

// Resource is the runtime's unit of shareable, registerable artifact,
// matching struct vaccel_resource.
type Resource struct {
	ID       idpool.ID
	RemoteID int64
	Type     ResourceType
	PathType PathType

	Paths  []string
	Rundir string
	Blobs  []*blob.Blob

	mu           sync.Mutex
	registrations []*resourceRegistration
	released     bool
	refcount     atomic.Int64
}

// newResource assigns an ID and wires the defaults common to every
// construction variant; remote_id is -1 until a VirtIO plugin's
// resource_register sets it.
func newResource(rt *Runtime, typ ResourceType) (*Resource, error) {
	id := rt.resourceIDs.Get()
	if id == 0 {
		return nil, NewError(EUsers, "resource id pool exhausted")
	}
	return &Resource{
		ID:       id,
		RemoteID: -1,
		Type:     typ,
		PathType: PathLocalFile,
	}, nil
}

// NewResourceFromPath constructs a resource from a single path,
// classifying it into LOCAL_FILE, LOCAL_DIR, or REMOTE_FILE, matching
// the first construction variant of vaccel_resource_init.
func NewResourceFromPath(rt *Runtime, typ ResourceType, path string) (*Resource, error) {
	res, err := newResource(rt, typ)
	if err != nil {
		return nil, err
	}

	switch {
	case fs.IsURL(path):
		res.PathType = PathRemoteFile
	case fs.IsDir(path):
		res.PathType = PathLocalDir
	case fs.IsFile(path):
		res.PathType = PathLocalFile
	default:
		rt.resourceIDs.Put(res.ID)
		return nil, NewError(ENoEnt, "resource path %q does not exist", path)
	}
	res.Paths = []string{path}

	rt.registerResourceLive(res)
	return res, nil
}

// NewResourceFromPaths constructs a LOCAL_FILE resource from multiple
// existing file paths, matching vaccel_resource_init_multi.
func NewResourceFromPaths(rt *Runtime, typ ResourceType, paths []string) (*Resource, error) {
	res, err := newResource(rt, typ)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if !fs.IsFile(p) {
			rt.resourceIDs.Put(res.ID)
			return nil, NewError(ENoEnt, "resource path %q is not an existing file", p)
		}
	}
	res.PathType = PathLocalFile
	res.Paths = append([]string(nil), paths...)

	rt.registerResourceLive(res)
	return res, nil
}

// NewResourceFromBuffer constructs a resource from an in-memory buffer,
// matching vaccel_resource_init_from_buf. If memOnly is true the
// resource stays a borrowed BUFFER blob with no rundir; otherwise it is
// persisted under the resource's rundir immediately.
func NewResourceFromBuffer(rt *Runtime, typ ResourceType, buf []byte, name string, memOnly bool) (*Resource, error) {
	res, err := newResource(rt, typ)
	if err != nil {
		return nil, err
	}
	res.PathType = PathLocalFile

	if memOnly {
		b, err := blob.InitFromBuf(buf, name, "", false)
		if err != nil {
			rt.resourceIDs.Put(res.ID)
			return nil, err
		}
		res.Blobs = []*blob.Blob{b}
		rt.registerResourceLive(res)
		return res, nil
	}

	dir, err := res.ensureRundir(rt)
	if err != nil {
		rt.resourceIDs.Put(res.ID)
		return nil, err
	}
	b, err := blob.InitFromBuf(buf, name, dir, false)
	if err != nil {
		rt.resourceIDs.Put(res.ID)
		return nil, err
	}
	res.Blobs = []*blob.Blob{b}
	res.Paths = []string{b.Path}

	rt.registerResourceLive(res)
	return res, nil
}

// NewResourceFromBlobs constructs a LOCAL_FILE resource from an
// existing list of blobs (copied by reference), matching
// vaccel_resource_init_from_blobs. If any source blob is not already
// MAPPED, the resource gets a rundir for later use.
func NewResourceFromBlobs(rt *Runtime, typ ResourceType, blobs []*blob.Blob) (*Resource, error) {
	res, err := newResource(rt, typ)
	if err != nil {
		return nil, err
	}
	res.PathType = PathLocalFile
	res.Blobs = append([]*blob.Blob(nil), blobs...)

	needsRundir := false
	for _, b := range blobs {
		if b.Type != blob.Mapped {
			needsRundir = true
		}
		if b.Path != "" {
			res.Paths = append(res.Paths, b.Path)
		}
	}
	if needsRundir {
		if _, err := res.ensureRundir(rt); err != nil {
			rt.resourceIDs.Put(res.ID)
			return nil, err
		}
	}

	rt.registerResourceLive(res)
	return res, nil
}

func (res *Resource) ensureRundir(rt *Runtime) (string, error) {
	if res.Rundir != "" {
		return res.Rundir, nil
	}
	dir := filepath.Join(rt.Rundir, resourceDirName(res.ID))
	if err := fs.DirCreate(dir); err != nil {
		return "", err
	}
	res.Rundir = dir
	return dir, nil
}

func resourceDirName(id idpool.ID) string {
	return fmt.Sprintf("resource.%d", int64(id))
}

// materialize populates Blobs on first register:
// LOCAL_FILE walks Paths, LOCAL_DIR enumerates regular
// files under the single path, REMOTE_FILE downloads each URL into the
// resource's rundir. Memory-only BUFFER resources already have blobs
// and are left untouched. When forVirtIO is true, every materialized
// blob is additionally Read() (mmapped) so a remote backend can see its
// bytes.
func (res *Resource) materialize(ctx context.Context, rt *Runtime, forVirtIO bool) error {
	if len(res.Blobs) > 0 {
		if forVirtIO {
			for _, b := range res.Blobs {
				if b.Type == blob.Buffer {
					continue
				}
				if err := b.Read(); err != nil {
					return err
				}
			}
		}
		return nil
	}

	switch res.PathType {
	case PathLocalFile:
		for _, p := range res.Paths {
			b, err := blob.Init(p)
			if err != nil {
				return err
			}
			res.Blobs = append(res.Blobs, b)
		}
	case PathLocalDir:
		if len(res.Paths) != 1 {
			return NewError(EInval, "local-dir resource must have exactly one path")
		}
		entries, err := fs.ListRegularFiles(res.Paths[0])
		if err != nil {
			return err
		}
		for _, p := range entries {
			b, err := blob.Init(p)
			if err != nil {
				return err
			}
			res.Blobs = append(res.Blobs, b)
		}
	case PathRemoteFile:
		dir, err := res.ensureRundir(rt)
		if err != nil {
			return err
		}
		for _, url := range res.Paths {
			name := filepath.Base(url)
			dest := filepath.Join(dir, name)
			if err := fs.DownloadToFile(ctx, url, dest); err != nil {
				return err
			}
			b, err := blob.Init(dest)
			if err != nil {
				return err
			}
			b.PathOwned = true
			res.Blobs = append(res.Blobs, b)
		}
	default:
		return NewError(EInval, "unknown path type %v", res.PathType)
	}

	if forVirtIO {
		for _, b := range res.Blobs {
			if err := b.Read(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Register materializes the resource's blobs if needed, offloads to the
// session's VirtIO plugin when applicable, and links a registration
// under the resource lock then the session lock, matching
// vaccel_resource_register.
func (res *Resource) Register(ctx context.Context, rt *Runtime, sess *Session) error {
	if sess == nil {
		return NewError(EInval, "nil session")
	}

	if err := res.materialize(ctx, rt, sess.IsVirtIO); err != nil {
		return err
	}

	if sess.IsVirtIO && sess.plugin != nil && sess.plugin.Info.ResourceRegister != nil {
		if err := sess.plugin.Info.ResourceRegister(res, sess); err != nil {
			return err
		}
		if res.RemoteID <= 0 {
			resourceLog.WithField("resource", res.ID).Warn("VirtIO resource_register did not set a positive remote_id")
		}
	}

	res.mu.Lock()
	for _, reg := range res.registrations {
		if reg.session == sess {
			res.mu.Unlock()
			return NewError(EExist, "resource %d already registered with this session", res.ID)
		}
	}

	reg := &resourceRegistration{resource: res, session: sess}
	res.registrations = append(res.registrations, reg)
	res.mu.Unlock()

	if err := sess.linkResource(res, reg); err != nil {
		res.mu.Lock()
		res.registrations = removeRegistration(res.registrations, reg)
		res.mu.Unlock()
		return err
	}

	res.refcount.Add(1)
	return nil
}

// Unregister unlinks the registration between res and sess and
// decrements the refcount, calling the VirtIO plugin's
// resource_unregister if applicable, matching
// vaccel_resource_unregister.
func (res *Resource) Unregister(sess *Session) error {
	res.mu.Lock()
	var found *resourceRegistration
	for _, reg := range res.registrations {
		if reg.session == sess {
			found = reg
			break
		}
	}
	if found == nil {
		res.mu.Unlock()
		return NewError(ENoEnt, "resource %d is not registered with this session", res.ID)
	}
	res.registrations = removeRegistration(res.registrations, found)
	res.mu.Unlock()

	sess.unlinkResource(res)
	res.refcount.Add(-1)

	if sess.IsVirtIO && sess.plugin != nil && sess.plugin.Info.ResourceUnregister != nil {
		return sess.plugin.Info.ResourceUnregister(res, sess)
	}
	return nil
}

// Release frees the resource's blobs, removes its rundir, and returns
// its ID to the pool, requiring refcount == 0, matching
// vaccel_resource_release. Releasing an already-released resource
// returns INVAL: the ID has gone back to the pool and may already name
// a different live resource, so a repeat Put would corrupt the pool.
func (res *Resource) Release(rt *Runtime) error {
	res.mu.Lock()
	if res.released {
		res.mu.Unlock()
		return NewError(EInval, "resource %d already released", res.ID)
	}
	if res.refcount.Load() > 0 {
		res.mu.Unlock()
		return NewError(EBusy, "resource %d is registered with %d session(s)", res.ID, res.refcount.Load())
	}
	res.released = true
	res.mu.Unlock()

	for _, b := range res.Blobs {
		if err := b.Release(); err != nil {
			resourceLog.WithError(err).WithField("resource", res.ID).Warn("failed to release blob")
		}
	}
	res.Blobs = nil

	if res.Rundir != "" {
		fs.RemoveRunDir(res.Rundir)
		res.Rundir = ""
	}
	res.Paths = nil

	rt.unregisterResourceLive(res)
	rt.resourceIDs.Put(res.ID)
	return nil
}

// Sync re-downloads a REMOTE_FILE resource's blobs from their URLs,
// supplementing the core spec per the original upstream runtime's
// vaccel_resource_sync, for backing URL content that may have changed
// between registrations. For any other path type it returns nil and
// leaves the blobs as they are.
func (res *Resource) Sync(ctx context.Context, rt *Runtime) error {
	if res.PathType != PathRemoteFile {
		return nil
	}
	for _, b := range res.Blobs {
		if err := b.Release(); err != nil {
			resourceLog.WithError(err).WithField("resource", res.ID).Warn("failed to release blob during sync")
		}
	}
	res.Blobs = nil
	return res.materialize(ctx, rt, false)
}

func removeRegistration(regs []*resourceRegistration, target *resourceRegistration) []*resourceRegistration {
	out := regs[:0]
	for _, r := range regs {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// resourceTable is the module-scope, per-type live-resources index,
// the analogue of the C runtime's global per-type live-resources
// lists.
type resourceTable struct {
	mu  sync.Mutex
	byType map[ResourceType][]*Resource
	byID   map[idpool.ID]*Resource
}

func newResourceTable() *resourceTable {
	return &resourceTable{
		byType: make(map[ResourceType][]*Resource),
		byID:   make(map[idpool.ID]*Resource),
	}
}

func (t *resourceTable) add(res *Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[res.Type] = append(t.byType[res.Type], res)
	t.byID[res.ID] = res
}

func (t *resourceTable) remove(res *Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, res.ID)
	list := t.byType[res.Type]
	for i, r := range list {
		if r == res {
			t.byType[res.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// GetByID looks up a live resource by id, matching vaccel_resource_get_by_id.
func (t *resourceTable) GetByID(id idpool.ID) (*Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.byID[id]
	if !ok {
		return nil, NewError(ENoEnt, "no resource with id %d", id)
	}
	return res, nil
}

// GetAllByType returns a snapshot of every live resource of typ,
// matching vaccel_resource_get_all_by_type.
func (t *resourceTable) GetAllByType(typ ResourceType) []*Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Resource(nil), t.byType[typ]...)
}

// GetByType returns the first live resource of typ, matching
// vaccel_resource_get_by_type.
func (t *resourceTable) GetByType(typ ResourceType) (*Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byType[typ]
	if len(list) == 0 {
		return nil, NewError(ENoEnt, "no resource of type %s", typ)
	}
	return list[0], nil
}
