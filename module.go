package logtrust

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"plugin"
	"sync"
)

// Extension loading errors.
var (
	ErrModuleNotFound     = errors.New("extension module not found")
	ErrSymbolMissing      = errors.New("extension symbol missing or of wrong type")
	ErrABIMismatch        = errors.New("extension ABI mismatch")
	ErrDuplicateExtension = errors.New("duplicate extension id")
	ErrDuplicateModule    = errors.New("extension module already registered")
)

// Module is an opened native module.
type Module interface {
	Lookup(symbol string) (any, error)
}

// ModuleLoader opens native modules by path.
type ModuleLoader interface {
	Open(path string) (Module, error)
}

// pluginLoader opens Go plugins built with -buildmode=plugin.
type pluginLoader struct{}

type pluginModule struct{ p *plugin.Plugin }

func (m pluginModule) Lookup(symbol string) (any, error) {
	return m.p.Lookup(symbol)
}

func (pluginLoader) Open(path string) (Module, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
		}
		return nil, err
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return pluginModule{p: p}, nil
}

// factoryFromModule checks the ABI tag and resolves the factory symbol.
func factoryFromModule(m Module) (Factory, error) {
	sym, err := m.Lookup(SymbolABI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSymbolMissing, SymbolABI, err)
	}
	abi, ok := sym.(*string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrSymbolMissing, SymbolABI, sym)
	}
	if *abi != ABIVersion {
		return nil, fmt.Errorf("%w: module has %q, host wants %q", ErrABIMismatch, *abi, ABIVersion)
	}

	sym, err = m.Lookup(SymbolFactory)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSymbolMissing, SymbolFactory, err)
	}
	switch f := sym.(type) {
	case func() Extension:
		return f, nil
	case *func() Extension:
		return *f, nil
	case Factory:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrSymbolMissing, SymbolFactory, sym)
	}
}

// modulePath maps a module name to a file. Bare names get a .so suffix and
// are looked up in dir.
func modulePath(dir, name string) string {
	p := name
	if filepath.Ext(p) == "" {
		p += ".so"
	}
	if dir != "" && !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return p
}

var builtins = struct {
	sync.RWMutex
	m map[string]Factory
}{m: map[string]Factory{}}

// RegisterExtension makes a statically linked extension loadable under
// module name. Registered names take precedence over files on disk.
func RegisterExtension(module string, f Factory) error {
	if module == "" || f == nil {
		return errors.New("register extension: empty module name or nil factory")
	}
	builtins.Lock()
	defer builtins.Unlock()
	if _, dup := builtins.m[module]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, module)
	}
	builtins.m[module] = f
	return nil
}

func builtinFactory(module string) (Factory, bool) {
	builtins.RLock()
	defer builtins.RUnlock()
	f, ok := builtins.m[module]
	return f, ok
}
