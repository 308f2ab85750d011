package host

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

// InterfaceVersion is the plugin interface revision this adapter implements, as
// "major:minor".
const InterfaceVersion = "5:13"

var (
	ErrHostTooOld   = errors.New("host interface is older than the plugin")
	ErrPluginTooOld = errors.New("host interface major version is newer than the plugin")
	ErrBadVersion   = errors.New("malformed interface version")
)

// GameInfo is the part of the host environment the adapter queries.
type GameInfo interface {
	// DLLFullPath is the absolute path of the mod library the host loaded.
	DLLFullPath() string
}

// EngineFuncs is the subset of the engine function table whose entries the plugin
// replaces. Entries left nil are not hooked.
type EngineFuncs struct {
	FunctionFromName func(name string) uint64
	NameForFunction  func(addr uint64) string
}

type Plugin struct {
	game     GameInfo
	resolver symbolizer.Resolver

	mu       sync.Mutex
	attached bool
}

func NewPlugin(game GameInfo, resolver symbolizer.Resolver) *Plugin {
	return &Plugin{game: game, resolver: resolver}
}

// NewDefaultPlugin uses the resolver this platform selects for libraries loaded
// into the current process.
func NewDefaultPlugin(game GameInfo, opts symbolizer.Options) *Plugin {
	return NewPlugin(game, symbolizer.NewPlatformResolver(opts))
}

func (p *Plugin) Resolver() symbolizer.Resolver {
	return p.resolver
}

// Query checks the host's interface version against InterfaceVersion. A host with a
// newer minor revision is accepted with a warning.
func (p *Plugin) Query(hostVersion string) error {
	if hostVersion == InterfaceVersion {
		return nil
	}
	slog.Warn("Interface version mismatch", "host", hostVersion, "plugin", InterfaceVersion)

	hmaj, hmin, err := parseVersion(hostVersion)
	if err != nil {
		return err
	}
	pmaj, pmin, err := parseVersion(InterfaceVersion)
	if err != nil {
		return err
	}
	switch {
	case pmaj > hmaj || (pmaj == hmaj && pmin > hmin):
		return fmt.Errorf("%w: host %s, plugin %s", ErrHostTooOld, hostVersion, InterfaceVersion)
	case pmaj < hmaj:
		return fmt.Errorf("%w: host %s, plugin %s", ErrPluginTooOld, hostVersion, InterfaceVersion)
	default:
		slog.Warn("Host interface is newer than expected, continuing", "host", hostVersion)
		return nil
	}
}

func parseVersion(v string) (major, minor int, err error) {
	if _, err := fmt.Sscanf(v, "%d:%d", &major, &minor); err != nil {
		return 0, 0, fmt.Errorf("%w %q: %w", ErrBadVersion, v, err)
	}
	return major, minor, nil
}

// Attach loads the symbols of the library the host reports. Attaching again
// replaces the previous session, even when the new load fails. On failure the
// plugin stays detached and queries miss; the host carries on either way.
func (p *Plugin) Attach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.game.DLLFullPath()
	if p.attached {
		slog.Info("Re-attaching, dropping previous session", "path", path)
	}
	// Load drops any previous session before reading the new library
	if err := p.resolver.Load(path); err != nil {
		p.attached = false
		slog.Warn("Failed to load game library symbols", "path", path, "error", err)
		return err
	}
	p.attached = true
	slog.Info("Attached", "path", path)
	return nil
}

// Detach releases the loaded symbols. It is a no-op when not attached.
func (p *Plugin) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return
	}
	p.resolver.Unload()
	p.attached = false
	slog.Info("Detached")
}

func (p *Plugin) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// FunctionFromName returns the loaded address of name, or 0.
func (p *Plugin) FunctionFromName(name string) uint64 {
	addr, ok := p.resolver.AddressForName(name)
	if !ok {
		return 0
	}
	return addr
}

// NameForFunction returns the export name at addr, or "".
func (p *Plugin) NameForFunction(addr uint64) string {
	name, ok := p.resolver.NameForAddress(addr)
	if !ok {
		return ""
	}
	return name
}

func (p *Plugin) HookEngineFunctions(funcs *EngineFuncs) {
	funcs.FunctionFromName = p.FunctionFromName
	funcs.NameForFunction = p.NameForFunction
}

// Symbols snapshots every resolvable export of the attached library.
func (p *Plugin) Symbols() ([]symbolizer.Symbol, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return nil, symbolizer.ErrNotLoaded
	}
	return p.resolver.Symbols(), nil
}
