// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/blob"
	"github.com/vaccel-project/vaccel-go/pkg/config"
	"github.com/vaccel-project/vaccel-go/pkg/fs"
	"github.com/vaccel-project/vaccel-go/pkg/idpool"
	"github.com/vaccel-project/vaccel-go/pkg/log"
	"github.com/vaccel-project/vaccel-go/pkg/profiling"
)

var bootstrapLog = logrus.WithField("subsystem", "bootstrap")

// SetBootstrapLogger rewires this file's logger.
func SetBootstrapLogger(logger *logrus.Entry) {
	fields := bootstrapLog.Data
	bootstrapLog = logger.WithFields(fields)
}

// idPoolCapacity bounds the sessions and resources id pools. The upstream
// C runtime sizes id_pool_t at a fixed VACCEL_ID_MAX; we keep the same
// "fixed, generous, configurable only by rebuilding" choice rather than
// growing it dynamically, since a pool's whole point is a bounded,
// lock-free allocator.
const idPoolCapacity = 1 << 16

// Runtime is the process-embedded dispatch fabric:
// the ordered init/teardown of the sessions, resources and
// plugins subsystems driven by a Config, plus the per-process run
// directory every session and resource rundir nests under.
//
// A process normally has at most one live Runtime, reached through
// Bootstrap/Cleanup or the lazy process-init hook (EnsureBootstrapped).
// Tests that need multiple independent
// runtimes in one process can still call Bootstrap directly; nothing
// here enforces a singleton beyond the convenience wrapper.
type Runtime struct {
	Config *config.Config
	Rundir string

	sessionIDs  *idpool.Pool
	resourceIDs *idpool.Pool

	plugins   *pluginManager
	resources *resourceTable

	mu       sync.Mutex
	sessions map[idpool.ID]*Session
}

// runDirRoot composes /run/user/<uid>/vaccel/<random>, the per-process
// root every session and resource rundir nests under.
func runDirRoot() (string, error) {
	uid := os.Getuid()
	base := filepath.Join("/run", "user", strconv.Itoa(uid), "vaccel")
	if err := fs.DirCreate(base); err != nil {
		return "", err
	}
	dir, err := fs.DirCreateUnique(base + "/")
	if err != nil {
		return "", err
	}
	return dir, nil
}

// Bootstrap performs the ordered subsystem init: logging, the process
// rundir, the sessions/resources/plugins subsystems, then loading
// cfg.Plugins. Matches vaccel_bootstrap.
func Bootstrap(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		var err error
		cfg, err = config.FromEnv()
		if err != nil {
			return nil, errors.Wrap(err, "loading configuration from environment")
		}
	}

	if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, errors.Wrap(err, "initializing logger")
	}
	rewireSubsystemLoggers(log.Root())

	profiling.SetEnabled(cfg.ProfilingEnabled)
	if err := profiling.StartTracing("vaccel", profiling.JaegerConfig{}); err != nil {
		bootstrapLog.WithError(err).Warn("failed to start profiling tracer, continuing without it")
	}

	dir, err := runDirRoot()
	if err != nil {
		return nil, errors.Wrap(err, "creating runtime rundir")
	}

	rt := &Runtime{
		Config:      cfg,
		Rundir:      dir,
		sessionIDs:  idpool.New(idPoolCapacity),
		resourceIDs: idpool.New(idPoolCapacity),
		plugins:     newPluginManager(cfg.VersionIgnore),
		resources:   newResourceTable(),
		sessions:    make(map[idpool.ID]*Session),
	}

	for _, path := range cfg.Plugins {
		if _, err := rt.plugins.LoadPlugin(path); err != nil {
			rt.Cleanup()
			return nil, errors.Wrapf(err, "loading plugin %q", path)
		}
	}

	bootstrapLog.WithFields(logrus.Fields{
		"rundir":  rt.Rundir,
		"plugins": len(cfg.Plugins),
	}).Info("runtime bootstrapped")
	return rt, nil
}

// rewireSubsystemLoggers points every subsystem's package-scoped logger
// at entry in one call, so bootstrap configures logging exactly once.
func rewireSubsystemLoggers(entry *logrus.Entry) {
	SetSessionLogger(entry)
	SetResourceLogger(entry)
	SetPluginLogger(entry)
	SetBootstrapLogger(entry)
	SetDispatchLogger(entry)
	blob.SetLogger(entry)
	fs.SetLogger(entry)
	profiling.SetLogger(entry)
}

// Resources returns the runtime's live-resource index, for
// NewResourceFrom*/GetByID/GetByType callers that need it without
// threading it through every call site.
func (rt *Runtime) Resources() *resourceTable { return rt.resources }

func (rt *Runtime) registerResourceLive(res *Resource) {
	rt.resources.add(res)
}

func (rt *Runtime) unregisterResourceLive(res *Resource) {
	rt.resources.remove(res)
}

func (rt *Runtime) registerSessionLive(sess *Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sessions[sess.ID] = sess
}

func (rt *Runtime) unregisterSessionLive(sess *Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.sessions, sess.ID)
}

// SessionByID looks up a live session by id, matching an internal lookup
// the upstream C runtime performs by walking vaccel_sessions_live.
func (rt *Runtime) SessionByID(id idpool.ID) (*Session, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sess, ok := rt.sessions[id]
	if !ok {
		return nil, NewError(ENoEnt, "no session with id %d", id)
	}
	return sess, nil
}

// liveSessions snapshots every still-open session, for Cleanup to
// release before tearing down the subsystems they depend on.
func (rt *Runtime) liveSessions() []*Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		out = append(out, s)
	}
	return out
}

// soleLoadedIsVirtIO reports whether exactly one plugin is loaded and it
// is the VirtIO plugin, in which case session init offloads to it even
// without the Remote hint bit.
func (m *pluginManager) soleLoadedIsVirtIO() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins) == 1 && m.virtio != nil && m.plugins[0] == m.virtio
}

// Cleanup tears down a Runtime in reverse order of Bootstrap: releases
// any sessions a caller forgot to release (logged, not fatal), tears
// down the plugins subsystem, stops tracing, and removes the runtime
// rundir. Matches vaccel_cleanup. Errors from independent teardown steps
// are aggregated so one failure doesn't hide another.
func (rt *Runtime) Cleanup() error {
	var errs error

	for _, sess := range rt.liveSessions() {
		if err := sess.Release(rt); err != nil {
			errs = appendMultiError(errs, errors.Wrapf(err, "releasing leaked session %d", int64(sess.ID)))
		}
	}

	if rt.plugins != nil {
		if err := rt.plugins.Cleanup(); err != nil {
			errs = appendMultiError(errs, errors.Wrap(err, "tearing down plugins"))
		}
	}

	profiling.StopTracing(context.Background())

	if rt.Rundir != "" {
		fs.RemoveRunDir(rt.Rundir)
		rt.Rundir = ""
	}

	bootstrapLog.Info("runtime cleaned up")
	return errs
}

// Rebootstrap tears rt down and re-bootstraps with the same
// configuration, except the logger, which stays as-is -- a known
// limitation of the logging backend's re-init behaviour.
func (rt *Runtime) Rebootstrap() (*Runtime, error) {
	cfg := rt.Config.Clone()
	if err := rt.Cleanup(); err != nil {
		bootstrapLog.WithError(err).Warn("errors during rebootstrap teardown, continuing")
	}

	dir, err := runDirRoot()
	if err != nil {
		return nil, errors.Wrap(err, "recreating runtime rundir")
	}

	newRt := &Runtime{
		Config:      cfg,
		Rundir:      dir,
		sessionIDs:  idpool.New(idPoolCapacity),
		resourceIDs: idpool.New(idPoolCapacity),
		plugins:     newPluginManager(cfg.VersionIgnore),
		resources:   newResourceTable(),
		sessions:    make(map[idpool.ID]*Session),
	}
	for _, path := range cfg.Plugins {
		if _, err := newRt.plugins.LoadPlugin(path); err != nil {
			newRt.Cleanup()
			return nil, errors.Wrapf(err, "loading plugin %q", path)
		}
	}
	return newRt, nil
}

// Process-init/fini hook state: a single
// lazily-bootstrapped process-wide Runtime, gated by
// VACCEL_BOOTSTRAP_ENABLED / VACCEL_CLEANUP_ENABLED the way the upstream
// C runtime's constructor/destructor attributes are gated. Go has no
// true constructor/destructor hooks; EnsureBootstrapped/ProcessCleanup
// are meant to be called explicitly from a program's main (or an
// init-like helper), which is the idiomatic Go analogue the upstream Go
// runtime uses for its own "lazy first-use init" paths.
var (
	processOnce    sync.Once
	processRuntime *Runtime
	processErr     error
	processMu      sync.Mutex
)

func envEnabled(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	return raw != "0" && raw != "false"
}

// EnsureBootstrapped returns the process-wide Runtime, bootstrapping it
// on first call unless VACCEL_BOOTSTRAP_ENABLED=0, matching the implicit
// process-init hook.
func EnsureBootstrapped() (*Runtime, error) {
	processMu.Lock()
	defer processMu.Unlock()

	if !envEnabled("VACCEL_BOOTSTRAP_ENABLED", true) {
		return nil, NewError(ENotSup, "VACCEL_BOOTSTRAP_ENABLED=0, call Bootstrap explicitly")
	}

	processOnce.Do(func() {
		processRuntime, processErr = Bootstrap(nil)
	})
	return processRuntime, processErr
}

// ProcessCleanup tears down the process-wide Runtime established by
// EnsureBootstrapped, matching the implicit process-fini hook, unless
// VACCEL_CLEANUP_ENABLED=0.
func ProcessCleanup() error {
	processMu.Lock()
	defer processMu.Unlock()

	if !envEnabled("VACCEL_CLEANUP_ENABLED", true) {
		return nil
	}
	if processRuntime == nil {
		return nil
	}
	err := processRuntime.Cleanup()
	processRuntime = nil
	processOnce = sync.Once{}
	return err
}

