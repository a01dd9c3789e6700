package logtrust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/cfssl/log"
)

// Trigger errors.
var (
	ErrUnknownExtension = errors.New("unknown extension")
	ErrExtensionBusy    = errors.New("extension busy")
	ErrHookData         = errors.New("payload does not match extension hook")
)

// ExtensionState is the lifecycle position of a loaded extension.
type ExtensionState int32

// Extension states.
const (
	StateUnloaded ExtensionState = iota
	StateLoaded
	StateConfigured
	StateIdle
	StateRunning
	StateFailed
)

func (s ExtensionState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateConfigured:
		return "configured"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ExtensionState(%d)", int32(s))
	}
}

// BusyPolicy decides what a trigger does when the extension is already
// executing.
type BusyPolicy int

// Busy policies.
const (
	// BlockWhenBusy waits for the running execution or the context.
	BlockWhenBusy BusyPolicy = iota
	// RejectWhenBusy returns ErrExtensionBusy immediately.
	RejectWhenBusy
)

type extensionEntry struct {
	ext     Extension
	module  string
	slot    chan struct{} // single-flight execution slot
	running atomic.Bool
	state   atomic.Int32
}

func (e *extensionEntry) acquire(ctx context.Context, policy BusyPolicy) error {
	if policy == RejectWhenBusy {
		select {
		case e.slot <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrExtensionBusy, e.ext.ID())
		}
	}
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *extensionEntry) release() {
	e.running.Store(false)
	e.state.Store(int32(StateIdle))
	<-e.slot
}

// ExtensionHost loads extension modules and runs them. Each extension
// executes at most once at a time; different extensions run in parallel.
// Modules are never unloaded.
type ExtensionHost struct {
	mu        sync.RWMutex
	byID      map[string]*extensionEntry
	byModule  map[string]*extensionEntry
	failures  map[string]error
	loader    ModuleLoader
	moduleDir string
	policy    BusyPolicy
}

// HostOption configures an ExtensionHost.
type HostOption func(*ExtensionHost)

// WithModuleDir sets the directory bare module names are resolved in.
func WithModuleDir(dir string) HostOption {
	return func(h *ExtensionHost) { h.moduleDir = dir }
}

// WithModuleLoader replaces the Go plugin loader.
func WithModuleLoader(l ModuleLoader) HostOption {
	return func(h *ExtensionHost) { h.loader = l }
}

// WithBusyPolicy sets the behaviour of triggers on a busy extension.
func WithBusyPolicy(p BusyPolicy) HostOption {
	return func(h *ExtensionHost) { h.policy = p }
}

// NewExtensionHost returns an empty host.
func NewExtensionHost(opts ...HostOption) *ExtensionHost {
	h := &ExtensionHost{
		byID:     map[string]*extensionEntry{},
		byModule: map[string]*extensionEntry{},
		failures: map[string]error{},
		loader:   pluginLoader{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load instantiates module, attaches configs[id] to the new extension and
// registers it. A failed load is logged and recorded in Failures; it never
// affects extensions that are already loaded.
func (h *ExtensionHost) Load(module string, configs map[string]json.RawMessage) (Extension, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.byModule[module]; dup {
		return nil, h.failLocked(module, fmt.Errorf("%w: %s", ErrDuplicateModule, module))
	}

	factory, ok := builtinFactory(module)
	if !ok {
		m, err := h.loader.Open(modulePath(h.moduleDir, module))
		if err != nil {
			return nil, h.failLocked(module, err)
		}
		if factory, err = factoryFromModule(m); err != nil {
			return nil, h.failLocked(module, err)
		}
	}

	ext := factory()
	if ext == nil {
		return nil, h.failLocked(module, fmt.Errorf("%w: %s returned nil", ErrSymbolMissing, SymbolFactory))
	}
	id := ext.ID()
	if id == "" {
		return nil, h.failLocked(module, errors.New("extension has an empty id"))
	}
	if other, dup := h.byID[id]; dup {
		return nil, h.failLocked(module, fmt.Errorf("%w: %s already provided by %s", ErrDuplicateExtension, id, other.module))
	}

	e := &extensionEntry{ext: ext, module: module, slot: make(chan struct{}, 1)}
	e.state.Store(int32(StateLoaded))

	if c, ok := ext.(Configurable); ok {
		conf, err := jsonToStruct(configs[id])
		if err != nil {
			return nil, h.failLocked(module, fmt.Errorf("extension %s: %w", id, err))
		}
		if err := c.Configure(conf); err != nil {
			return nil, h.failLocked(module, fmt.Errorf("configure extension %s: %w", id, err))
		}
	}
	e.state.Store(int32(StateConfigured))

	h.byID[id] = e
	h.byModule[module] = e
	delete(h.failures, module)
	extensionLoads.WithLabelValues("ok").Inc()
	log.Infof("extension [%s] (%s) loaded from %s", id, ext.Type(), module)
	return ext, nil
}

func (h *ExtensionHost) failLocked(module string, err error) error {
	h.failures[module] = err
	extensionLoads.WithLabelValues("failed").Inc()
	log.Errorf("extension [%s] failed to load: %v", module, err)
	return err
}

// Get returns the extension with the given id.
func (h *ExtensionHost) Get(id string) (Extension, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// ByModule returns the extension loaded from module.
func (h *ExtensionHost) ByModule(module string) (Extension, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.byModule[module]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// State reports the lifecycle state of an extension id. Ids of modules that
// failed to load are not tracked and report StateUnloaded.
func (h *ExtensionHost) State(id string) ExtensionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.byID[id]
	if !ok {
		return StateUnloaded
	}
	return ExtensionState(e.state.Load())
}

// ModuleState reports the lifecycle state of a module name.
func (h *ExtensionHost) ModuleState(module string) ExtensionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.byModule[module]; ok {
		return ExtensionState(e.state.Load())
	}
	if _, failed := h.failures[module]; failed {
		return StateFailed
	}
	return StateUnloaded
}

// Failures returns the last load error of every module that failed.
func (h *ExtensionHost) Failures() map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]error, len(h.failures))
	for k, v := range h.failures {
		out[k] = v
	}
	return out
}

// IDs returns the ids of all loaded extensions, sorted.
func (h *ExtensionHost) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExtensionInfo describes a loaded extension.
type ExtensionInfo struct {
	ID     string
	Module string
	Type   HookType
	State  ExtensionState
}

// List returns every loaded extension, sorted by id.
func (h *ExtensionHost) List() []ExtensionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ExtensionInfo, 0, len(h.byID))
	for id, e := range h.byID {
		out = append(out, ExtensionInfo{
			ID:     id,
			Module: e.module,
			Type:   e.ext.Type(),
			State:  ExtensionState(e.state.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Running reports whether the extension is executing right now.
func (h *ExtensionHost) Running(id string) bool {
	h.mu.RLock()
	e, ok := h.byID[id]
	h.mu.RUnlock()
	return ok && e.running.Load()
}

// Trigger executes extension id with data. Executions of the same extension
// never overlap: depending on the host's BusyPolicy a concurrent caller
// waits (bounded by ctx) or gets ErrExtensionBusy. Execute itself is not
// interrupted; ctx is passed to it for cooperative cancellation.
func (h *ExtensionHost) Trigger(ctx context.Context, id string, data any) (Result, error) {
	h.mu.RLock()
	e, ok := h.byID[id]
	h.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownExtension, id)
	}
	if !e.ext.Type().accepts(data) {
		return Result{}, fmt.Errorf("%w: %s wants %s payload, got %T", ErrHookData, id, e.ext.Type(), data)
	}

	if err := e.acquire(ctx, h.policy); err != nil {
		outcome := "cancelled"
		if errors.Is(err, ErrExtensionBusy) {
			outcome = "busy"
		}
		extensionTriggers.WithLabelValues(id, outcome).Inc()
		return Result{}, err
	}
	defer e.release()

	e.running.Store(true)
	e.state.Store(int32(StateRunning))
	start := time.Now()
	res := e.ext.Execute(ctx, data)
	extensionDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())

	outcome := "continue"
	if !res.ContinueProcess {
		outcome = "veto"
	}
	extensionTriggers.WithLabelValues(id, outcome).Inc()
	log.Debugf("extension [%s] finished with status %d (continue=%v)", id, res.StatusCode, res.ContinueProcess)
	return res, nil
}
