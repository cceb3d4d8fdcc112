// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/fs"
	"github.com/vaccel-project/vaccel-go/pkg/idpool"
)

var sessionLog = logrus.WithField("subsystem", "session")

// SetSessionLogger rewires this file's logger.
func SetSessionLogger(logger *logrus.Entry) {
	fields := sessionLog.Data
	sessionLog = logger.WithFields(fields)
}

// Session is a client identity holding a placement hint and a set of
// registered resources, matching struct vaccel_session.
type Session struct {
	ID       idpool.ID
	RemoteID int64
	Hint     Hint
	IsVirtIO bool
	Rundir   string

	plugin *Plugin

	mu             sync.Mutex
	resourcesByType map[ResourceType][]*resourceRegistration
}

// InitSession allocates a session id, decides VirtIO placement, and
// builds the session's rundir, matching vaccel_session_init.
// A session is marked VirtIO if flags carries the Remote bit,
// or if the only loaded plugin is the VirtIO one; the choice is
// immutable for the session's lifetime.
func InitSession(rt *Runtime, flags Hint) (*Session, error) {
	id := rt.sessionIDs.Get()
	if id == 0 {
		return nil, NewError(EUsers, "session id pool exhausted")
	}

	sess := &Session{
		ID:              id,
		RemoteID:        -1,
		Hint:            flags,
		resourcesByType: make(map[ResourceType][]*resourceRegistration),
	}

	virtio := rt.plugins.VirtIO()
	onlyVirtIOLoaded := virtio != nil && rt.plugins.soleLoadedIsVirtIO()

	if flags.HasRemote() || onlyVirtIOLoaded {
		if virtio == nil {
			rt.sessionIDs.Put(id)
			return nil, NewError(ENotSup, "no VirtIO plugin loaded to satisfy remote session")
		}
		sess.IsVirtIO = true
		sess.plugin = virtio

		if virtio.Info.SessionInit != nil {
			if err := virtio.Info.SessionInit(sess, flags.WithoutRemote()); err != nil {
				rt.sessionIDs.Put(id)
				return nil, err
			}
		}
	}

	dir := filepath.Join(rt.Rundir, sessionDirName(id))
	if err := fs.DirCreate(dir); err != nil {
		rt.sessionIDs.Put(id)
		return nil, err
	}
	sess.Rundir = dir

	rt.registerSessionLive(sess)
	sessionLog.WithFields(logrus.Fields{"session": sess.ID, "virtio": sess.IsVirtIO}).Info("session initialized")
	return sess, nil
}

func sessionDirName(id idpool.ID) string {
	return fmt.Sprintf("session.%d", int64(id))
}

// Update changes the session's placement: forwarded to the VirtIO
// plugin if the session is VirtIO, otherwise replaces Hint directly,
// matching vaccel_session_update.
func (s *Session) Update(flags Hint) error {
	if s.IsVirtIO {
		if s.plugin != nil && s.plugin.Info.SessionUpdate != nil {
			if err := s.plugin.Info.SessionUpdate(s, flags.WithoutRemote()); err != nil {
				return err
			}
		}
		return nil
	}
	s.Hint = flags
	return nil
}

// linkResource links reg into the session's per-type registration list
// under the session lock, called by Resource.Register after the
// resource-side link has already succeeded (resource lock acquired
// first, the canonical lock order between the two).
func (s *Session) linkResource(res *Resource, reg *resourceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourcesByType[res.Type] = append(s.resourcesByType[res.Type], reg)
	return nil
}

func (s *Session) unlinkResource(res *Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.resourcesByType[res.Type]
	for i, reg := range list {
		if reg.resource == res {
			s.resourcesByType[res.Type] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// HasResource reports whether res is currently registered with s,
// matching vaccel_session_has_resource.
func (s *Session) HasResource(res *Resource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.resourcesByType[res.Type] {
		if reg.resource == res {
			return true
		}
	}
	return false
}

// ResourceByID returns the registered resource of the given type with
// id, matching vaccel_session_resource_by_id (narrowed to a single
// type: only registrations of typ are searched, although resource ids
// come from one runtime-wide pool and are unique across types).
func (s *Session) ResourceByID(typ ResourceType, id idpool.ID) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.resourcesByType[typ] {
		if reg.resource.ID == id {
			return reg.resource, nil
		}
	}
	return nil, NewError(ENoEnt, "no resource %d of type %s registered with session %d", id, typ, s.ID)
}

// ResourceByType returns the first registered resource of typ, matching
// vaccel_session_resource_by_type.
func (s *Session) ResourceByType(typ ResourceType) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.resourcesByType[typ]
	if len(list) == 0 {
		return nil, NewError(ENoEnt, "no resource of type %s registered with session %d", typ, s.ID)
	}
	return list[0].resource, nil
}

// ResourcesByType returns every resource of typ registered with s,
// matching vaccel_session_resources_by_type.
func (s *Session) ResourcesByType(typ ResourceType) []*Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.resourcesByType[typ]
	out := make([]*Resource, len(list))
	for i, reg := range list {
		out[i] = reg.resource
	}
	return out
}

// Release unregisters every still-registered resource, removes the
// session's rundir (best effort), offloads to the VirtIO plugin, and
// returns the session's id to the pool, matching
// vaccel_session_release. isVirtIO is read before it's cleared, since
// release must still know whether to call session_release even after
// the session stops being usable for anything else.
func (s *Session) Release(rt *Runtime) error {
	isVirtIO := s.IsVirtIO
	plugin := s.plugin

	s.mu.Lock()
	var allRegs []*resourceRegistration
	for _, list := range s.resourcesByType {
		allRegs = append(allRegs, list...)
	}
	s.mu.Unlock()

	for _, reg := range allRegs {
		if err := reg.resource.Unregister(s); err != nil {
			sessionLog.WithError(err).WithFields(logrus.Fields{
				"session":  s.ID,
				"resource": reg.resource.ID,
			}).Warn("failed to unregister resource during session release")
		}
	}

	if s.Rundir != "" {
		fs.RemoveRunDir(s.Rundir)
		s.Rundir = ""
	}

	s.IsVirtIO = false
	s.plugin = nil

	if isVirtIO && plugin != nil && plugin.Info.SessionRelease != nil {
		if err := plugin.Info.SessionRelease(s); err != nil {
			return err
		}
	}

	rt.unregisterSessionLive(s)
	rt.sessionIDs.Put(s.ID)
	return nil
}
