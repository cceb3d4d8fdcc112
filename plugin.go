// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/blang/semver/v4"
	"github.com/ebitengine/purego"
	merr "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/arg"
)

// appendMultiError accumulates teardown errors so Cleanup reports every
// failure instead of only the first.
func appendMultiError(dst error, err error) error {
	return merr.Append(dst, err)
}

var pluginLog = logrus.WithField("subsystem", "plugin")

// SetPluginLogger rewires this file's logger.
func SetPluginLogger(logger *logrus.Entry) {
	fields := pluginLog.Data
	pluginLog = logger.WithFields(fields)
}

// OpFunc is a plugin's implementation of one operation type: the
// frozen operation function-pointer signature of the plugin ABI,
// expressed in Go as a typed callback over the same read/write argument
// arrays the generic dispatch gateway uses.
type OpFunc func(sess *Session, read, write *arg.Array) error

// opRecord is one registered implementation, the analogue of the C
// runtime's struct vaccel_op: {op_type, function pointer, owner plugin,
// plugin-list link, global-list link}. The two links are represented as
// Go slice membership (Plugin.ops, pluginManager.opsByType) rather than
// intrusive pointers.
type opRecord struct {
	opType OpType
	fn     OpFunc
	owner  *Plugin
}

// PluginInfo mirrors struct vaccel_plugin_info:
// everything a plugin must supply to be registered. Init/Fini and the
// four lifecycle hooks are nil for a plugin that doesn't offer them (a
// non-VirtIO plugin has no Session*/Resource* hooks).
type PluginInfo struct {
	Name          string
	Version       string
	VaccelVersion string
	TypeMask      Hint

	Init func() error
	Fini func() error

	// SessionInit/SessionUpdate/SessionRelease/ResourceRegister/
	// ResourceUnregister are present iff the plugin offloads session and
	// resource lifecycle to a remote host. A plugin is classed as
	// VirtIO iff both SessionInit and SessionRelease are non-nil.
	SessionInit        func(sess *Session, flags Hint) error
	SessionUpdate      func(sess *Session, flags Hint) error
	SessionRelease     func(sess *Session) error
	ResourceRegister   func(res *Resource, sess *Session) error
	ResourceUnregister func(res *Resource, sess *Session) error
}

func (info *PluginInfo) isVirtIO() bool {
	return info.SessionInit != nil && info.SessionRelease != nil
}

// Plugin is a loaded dynamic library plus its registered operations,
// matching struct vaccel_plugin.
type Plugin struct {
	Info   PluginInfo
	handle uintptr

	mu  sync.Mutex
	ops []*opRecord
}

// registerOp links op into the plugin's own ops list and the owning
// pluginManager's global per-op-type list, matching
// plugin_register_op.
func (p *Plugin) registerOp(mgr *pluginManager, opType OpType, fn OpFunc) {
	rec := &opRecord{opType: opType, fn: fn, owner: p}

	p.mu.Lock()
	p.ops = append(p.ops, rec)
	p.mu.Unlock()

	mgr.addOpRecord(rec)
}

// RegisterOp registers a single operation implementation for this
// plugin, matching vaccel_plugin_register_op.
func (p *Plugin) RegisterOp(mgr *pluginManager, opType OpType, fn OpFunc) {
	p.registerOp(mgr, opType, fn)
}

// RegisterOps registers a batch of operation implementations in one
// call, matching vaccel_plugin_register_ops.
func (p *Plugin) RegisterOps(mgr *pluginManager, ops map[OpType]OpFunc) {
	for opType, fn := range ops {
		p.registerOp(mgr, opType, fn)
	}
}

// pluginManager holds what the C runtime keeps as module-scope plugin
// state: the registered-plugins list, the count, the pointer to the
// single VirtIO plugin (if any), and a per-operation-type list of all
// implementations.
type pluginManager struct {
	mu            sync.Mutex
	plugins       []*Plugin
	virtio        *Plugin
	opsByType     map[OpType][]*opRecord
	versionIgnore bool

	// runtimeVersion is compared against each plugin's VaccelVersion,
	// matching plugin_register's vaccel_version compatibility check.
	runtimeVersion semver.Version
}

// runtimeSemVer is this module's own build version, compared against a
// plugin's declared vaccel_version at registration time.
var runtimeSemVer = semver.MustParse("6.0.0")

func newPluginManager(versionIgnore bool) *pluginManager {
	return &pluginManager{
		opsByType:      make(map[OpType][]*opRecord),
		versionIgnore:  versionIgnore,
		runtimeVersion: runtimeSemVer,
	}
}

func (m *pluginManager) addOpRecord(rec *opRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opsByType[rec.opType] = append(m.opsByType[rec.opType], rec)
}

// Register validates p.Info and adds it to the manager, matching
// plugin_register.
func (m *pluginManager) Register(p *Plugin) error {
	info := p.Info
	if info.Name == "" || info.Version == "" || info.VaccelVersion == "" || info.Init == nil || info.Fini == nil {
		return NewError(EInval, "plugin info missing required field")
	}

	declared, err := semver.ParseTolerant(info.VaccelVersion)
	if err != nil {
		return NewError(EInval, "plugin %q has unparsable vaccel_version %q: %v", info.Name, info.VaccelVersion, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if declared.Major != m.runtimeVersion.Major {
		if !m.versionIgnore {
			return NewError(ENotSup, "plugin %q built against vaccel %s, runtime is %s", info.Name, declared, m.runtimeVersion)
		}
		pluginLog.WithFields(logrus.Fields{
			"plugin":         info.Name,
			"plugin_version": declared.String(),
			"runtime_version": m.runtimeVersion.String(),
		}).Warn("loading plugin with incompatible major vaccel_version (VACCEL_VERSION_IGNORE set)")
	} else if declared.Compare(m.runtimeVersion) != 0 {
		pluginLog.WithFields(logrus.Fields{
			"plugin":         info.Name,
			"plugin_version": declared.String(),
			"runtime_version": m.runtimeVersion.String(),
		}).Warn("plugin vaccel_version differs from runtime in minor/patch/pre-release")
	}

	if info.isVirtIO() {
		if m.virtio != nil {
			return NewError(EExist, "a VirtIO plugin (%q) is already registered, refusing %q", m.virtio.Info.Name, info.Name)
		}
		m.virtio = p
	}

	m.plugins = append(m.plugins, p)
	pluginLog.WithField("plugin", info.Name).Info("registered plugin")
	return nil
}

// GetOpFunc selects the best implementation of opType given hint,
// matching plugin_get_op_func's three-step selection rule.
func (m *pluginManager) GetOpFunc(opType OpType, hint Hint) (OpFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.opsByType[opType]
	if len(records) == 0 {
		pluginLog.WithField("op", opType).Warn("no plugin implements this operation")
		return nil, NewError(ENotSup, "no implementation registered for op %s", opType)
	}

	if hint.HasRemote() {
		for _, rec := range records {
			if rec.owner == m.virtio {
				return rec.fn, nil
			}
		}
		return nil, NewError(ENotSup, "op %s requested with REMOTE hint but no VirtIO implementation exists", opType)
	}

	priority := hint.WithoutRemote()
	if priority != 0 {
		for _, rec := range records {
			if Hint(rec.owner.Info.TypeMask)&priority != 0 {
				return rec.fn, nil
			}
		}
	}

	// Fallback: first non-VirtIO owner, or any op if only one plugin is
	// loaded.
	if len(m.plugins) == 1 {
		return records[0].fn, nil
	}
	for _, rec := range records {
		if rec.owner != m.virtio {
			return rec.fn, nil
		}
	}
	return records[0].fn, nil
}

// VirtIO returns the distinguished VirtIO plugin, or nil if none is
// loaded.
func (m *pluginManager) VirtIO() *Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.virtio
}

// PrintAllByOpType debug-dumps every registered implementation of
// opType, matching vaccel_plugin_print_all_by_op_type.
func (m *pluginManager) PrintAllByOpType(opType OpType) {
	m.mu.Lock()
	records := append([]*opRecord(nil), m.opsByType[opType]...)
	m.mu.Unlock()

	for _, rec := range records {
		pluginLog.WithFields(logrus.Fields{
			"op":     opType,
			"plugin": rec.owner.Info.Name,
		}).Info("registered implementation")
	}
}

// cPluginDescriptor is the flat descriptor layout this loader reads from
// a C plugin: the plugin_info fields (name, version and vaccel_version as
// C string pointers, then the type mask) laid out inline, followed by the
// function pointers. Only the fields the Go loader needs to read are
// declared; the rest of the C descriptor is left unread, since the
// macros a plugin uses to build the full struct live on the plugin side
// of the ABI. Every field is a pointer-sized uintptr except typeMask, a
// uint32 padded to 8 bytes: matching the real C layout byte-for-byte
// would require cgo (not used here, see DESIGN.md), so this loader only
// supports C plugins that were themselves linked against a small shim
// exporting a descriptor of exactly this flat shape, rather than
// arbitrary nested structs.
type cPluginDescriptor struct {
	name          uintptr
	version       uintptr
	vaccelVersion uintptr
	typeMask      uint32
	_             uint32 // padding to keep function pointers 8-byte aligned
	init          uintptr
	fini          uintptr
	sessionInit   uintptr
	sessionUpdate uintptr
	sessionRelease  uintptr
	resourceRegister uintptr
	resourceUnregister uintptr
}

func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var buf []byte
	for i := 0; ; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// LoadPlugin dlopens the shared library at path with RTLD_LAZY, resolves
// the frozen `vaccel_plugin` export symbol, registers the descriptor it
// points to, and calls the plugin's init, matching plugin_load.
func (m *pluginManager) LoadPlugin(path string) (*Plugin, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, NewError(ELibBad, "dlopen(%q): %v", path, err)
	}

	sym, err := purego.Dlsym(handle, "vaccel_plugin")
	if err != nil {
		return nil, NewError(ELibBad, "%q does not export vaccel_plugin: %v", path, err)
	}

	// vaccel_plugin is itself a pointer variable; dlsym gives us the
	// variable's address, so one more load gets the descriptor address.
	descAddr := *(*uintptr)(unsafe.Pointer(sym))
	if descAddr == 0 {
		return nil, NewError(ELibBad, "%q exports a null vaccel_plugin descriptor", path)
	}
	desc := (*cPluginDescriptor)(unsafe.Pointer(descAddr))

	p := &Plugin{handle: handle}
	p.Info = PluginInfo{
		Name:          cString(desc.name),
		Version:       cString(desc.version),
		VaccelVersion: cString(desc.vaccelVersion),
		TypeMask:      Hint(desc.typeMask),
	}

	if desc.init != 0 {
		var initFn func() int32
		purego.RegisterFunc(&initFn, desc.init)
		p.Info.Init = func() error { return codeFromC(initFn()) }
	}
	if desc.fini != 0 {
		var finiFn func() int32
		purego.RegisterFunc(&finiFn, desc.fini)
		p.Info.Fini = func() error { return codeFromC(finiFn()) }
	}

	if desc.sessionInit != 0 && desc.sessionRelease != 0 {
		wireVirtIOHooks(p, desc)
	}

	if err := m.Register(p); err != nil {
		purego.Dlclose(handle)
		return nil, err
	}

	if p.Info.Init != nil {
		if err := p.Info.Init(); err != nil {
			return nil, errors.Wrapf(err, "initializing plugin %q", path)
		}
	}

	return p, nil
}

// wireVirtIOHooks binds the raw C session/resource lifecycle function
// pointers to Go closures operating on cSessionHandle/cResourceHandle
// views of our Session/Resource, keeping the ABI boundary narrow.
func wireVirtIOHooks(p *Plugin, desc *cPluginDescriptor) {
	var sessionInitFn func(uintptr, uint32) int32
	purego.RegisterFunc(&sessionInitFn, desc.sessionInit)
	p.Info.SessionInit = func(sess *Session, flags Hint) error {
		h := newCSessionHandle(sess)
		defer h.release()
		code := sessionInitFn(h.ptr, uint32(flags))
		h.writeback(sess)
		return codeFromC(code)
	}

	if desc.sessionUpdate != 0 {
		var sessionUpdateFn func(uintptr, uint32) int32
		purego.RegisterFunc(&sessionUpdateFn, desc.sessionUpdate)
		p.Info.SessionUpdate = func(sess *Session, flags Hint) error {
			h := newCSessionHandle(sess)
			defer h.release()
			return codeFromC(sessionUpdateFn(h.ptr, uint32(flags)))
		}
	}

	var sessionReleaseFn func(uintptr) int32
	purego.RegisterFunc(&sessionReleaseFn, desc.sessionRelease)
	p.Info.SessionRelease = func(sess *Session) error {
		h := newCSessionHandle(sess)
		defer h.release()
		return codeFromC(sessionReleaseFn(h.ptr))
	}

	if desc.resourceRegister != 0 {
		var resourceRegisterFn func(uintptr, uintptr) int32
		purego.RegisterFunc(&resourceRegisterFn, desc.resourceRegister)
		p.Info.ResourceRegister = func(res *Resource, sess *Session) error {
			rh := newCResourceHandle(res)
			sh := newCSessionHandle(sess)
			defer rh.release()
			defer sh.release()
			code := resourceRegisterFn(rh.ptr, sh.ptr)
			rh.writeback(res)
			return codeFromC(code)
		}
	}
	if desc.resourceUnregister != 0 {
		var resourceUnregisterFn func(uintptr, uintptr) int32
		purego.RegisterFunc(&resourceUnregisterFn, desc.resourceUnregister)
		p.Info.ResourceUnregister = func(res *Resource, sess *Session) error {
			rh := newCResourceHandle(res)
			sh := newCSessionHandle(sess)
			defer rh.release()
			defer sh.release()
			return codeFromC(resourceUnregisterFn(rh.ptr, sh.ptr))
		}
	}
}

// codeFromC maps a C-ABI return code (0 == success) to a Go error.
func codeFromC(code int32) error {
	if code == 0 {
		return nil
	}
	return NewError(Code(code), "plugin call returned code %d", code)
}

// LoadPluginList splits a colon-separated list of shared-library paths
// and loads each, matching plugin_parse_and_load.
func (m *pluginManager) LoadPluginList(spec string) error {
	if spec == "" {
		return nil
	}
	for _, path := range strings.Split(spec, ":") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := m.LoadPlugin(path); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup iterates every loaded plugin, calling Fini and dlclose,
// matching plugins_cleanup.
func (m *pluginManager) Cleanup() error {
	m.mu.Lock()
	plugins := append([]*Plugin(nil), m.plugins...)
	m.plugins = nil
	m.virtio = nil
	m.opsByType = make(map[OpType][]*opRecord)
	m.mu.Unlock()

	var errs error
	for _, p := range plugins {
		if p.Info.Fini != nil {
			if err := p.Info.Fini(); err != nil {
				errs = appendMultiError(errs, errors.Wrapf(err, "finalizing plugin %q", p.Info.Name))
			}
		}
		if p.handle != 0 {
			if err := purego.Dlclose(p.handle); err != nil {
				errs = appendMultiError(errs, errors.Wrapf(err, "dlclose plugin %q", p.Info.Name))
			}
		}
	}
	return errs
}
