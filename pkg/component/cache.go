package component

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"

	"github.com/thalo-rs/thalo/internal/log"
)

// Loader compiles a binary into a Module. Production code passes
// NewWazeroModule; tests pass a fake.
type Loader func(ctx context.Context, id ModuleID, binary []byte) (Module, error)

// ModuleCache loads WASM components from disk or from raw bytes and keeps
// every registered version reachable by name@version, with "latest"
// resolving to the semver-max version registered for that name.
type ModuleCache struct {
	mu     sync.RWMutex
	load   Loader
	byName map[ModuleName]map[string]Module // version string -> Module
	latest map[ModuleName]*semver.Version
}

// NewModuleCache constructs an empty cache backed by load.
func NewModuleCache(load Loader) *ModuleCache {
	return &ModuleCache{
		load:   load,
		byName: make(map[ModuleName]map[string]Module),
		latest: make(map[ModuleName]*semver.Version),
	}
}

// NewWazeroModuleCache is a convenience constructor binding the cache to a
// shared wazero runtime via NewWazeroModule.
func NewWazeroModuleCache(runtime wazero.Runtime) *ModuleCache {
	return NewModuleCache(func(ctx context.Context, id ModuleID, binary []byte) (Module, error) {
		return NewWazeroModule(ctx, runtime, id, binary)
	})
}

// Register compiles binary and makes it reachable as id, replacing any
// existing module under the same (name, version). Returns the replaced
// module, if any, so the caller can Close it once safe to do so.
func (c *ModuleCache) Register(ctx context.Context, id ModuleID, binary []byte) (replaced Module, err error) {
	mod, err := c.load(ctx, id, binary)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	versions, ok := c.byName[id.Name]
	if !ok {
		versions = make(map[string]Module)
		c.byName[id.Name] = versions
	}
	replaced = versions[id.Version.String()]
	versions[id.Version.String()] = mod

	if cur, ok := c.latest[id.Name]; !ok || id.Version.GreaterThan(cur) {
		c.latest[id.Name] = id.Version
	}

	log.WithComponent("module_cache").Info().
		Str("module", id.Name.String()).
		Str("version", id.Version.String()).
		Msg("registered module")
	return replaced, nil
}

// Get resolves name at version ("latest" or a semver string) to a Module.
func (c *ModuleCache) Get(name ModuleName, version string) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	if version == "" || version == "latest" {
		v, ok := c.latest[name]
		if !ok {
			return nil, false
		}
		version = v.String()
	}
	mod, ok := versions[version]
	return mod, ok
}

// GetLatest resolves name to its highest registered semver.
func (c *ModuleCache) GetLatest(name ModuleName) (Module, bool) {
	return c.Get(name, "latest")
}

// Names returns every module name with at least one registered version.
func (c *ModuleCache) Names() []ModuleName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]ModuleName, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}

// LoadDir walks dir at startup, compiling every "<name>.wasm" file
// (ignoring dotfiles and non-.wasm entries) and registering it under
// version 0.0.0 unless the filename encodes "<name>_v<semver>.wasm".
func (c *ModuleCache) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("component: read modules dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".wasm") {
			continue
		}

		moduleName, version, err := parseModuleFilename(name)
		if err != nil {
			log.WithComponent("module_cache").Warn().Str("file", name).Err(err).Msg("skipping unparseable module file")
			continue
		}

		binary, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("component: read module file %q: %w", name, err)
		}

		if _, err := c.Register(ctx, ModuleID{Name: moduleName, Version: version}, binary); err != nil {
			return fmt.Errorf("component: load module file %q: %w", name, err)
		}
	}
	return nil
}

func parseModuleFilename(filename string) (ModuleName, *semver.Version, error) {
	base := strings.TrimSuffix(filename, ".wasm")

	name, versionStr, hasVersion := strings.Cut(base, "_v")
	moduleName, err := NewModuleName(name)
	if err != nil {
		return "", nil, err
	}

	if !hasVersion {
		return moduleName, semver.MustParse("0.0.0"), nil
	}
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid version suffix %q: %w", versionStr, err)
	}
	return moduleName, version, nil
}
