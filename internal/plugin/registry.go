package plugin

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// ErrUnavailable marks a plugin whose host dependency is absent (missing
// binary, unreachable socket). Builtin loading skips these silently; a
// plugin named explicitly in configuration that reports it is a fatal
// configuration error.
var ErrUnavailable = errors.New("plugin unavailable on this host")

type key struct {
	slot Slot
	name string
}

// Registry is the process-scoped dispatcher for capability plugins,
// indexed by (slot, name). Writes happen at boot and on config reload;
// reads dominate afterwards.
type Registry struct {
	mu        sync.RWMutex
	instances map[key]Plugin
	logger    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		instances: make(map[key]Plugin),
		logger:    log.WithFields(zap.String("component", "plugin-registry")),
	}
}

// Register instantiates the factory with config and indexes the instance
// under (slot, instanceName). An empty instanceName uses the factory's own
// name. Re-registering a key replaces the prior binding; if the prior
// instance implements io.Closer it is closed first.
func (r *Registry) Register(factory Factory, instanceName string, cfg map[string]any) error {
	manifest := factory.Manifest()
	if instanceName == "" {
		instanceName = manifest.Name
	}

	instance, err := factory.New(cfg)
	if err != nil {
		return fmt.Errorf("plugin %s/%s: %w", manifest.Slot, instanceName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{slot: manifest.Slot, name: instanceName}
	if prior, ok := r.instances[k]; ok {
		if closer, ok := prior.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("closing replaced plugin failed",
					zap.String("slot", string(k.slot)),
					zap.String("name", k.name),
					zap.Error(err))
			}
		}
	}
	r.instances[k] = instance

	r.logger.Debug("registered plugin",
		zap.String("slot", string(manifest.Slot)),
		zap.String("name", instanceName))
	return nil
}

// Get returns the live instance bound to (slot, name).
func (r *Registry) Get(slot Slot, name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[key{slot: slot, name: name}]
	return instance, ok
}

// List enumerates the manifests of all instances bound to a slot, sorted
// by name.
func (r *Registry) List(slot Slot) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var manifests []Manifest
	for k, instance := range r.instances {
		if k.slot != slot {
			continue
		}
		m := instance.Manifest()
		m.Name = k.name
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests
}

// LoadBuiltins registers every available factory under its own name.
// Factories reporting ErrUnavailable are skipped silently; that is the
// extensibility contract, not an error.
func (r *Registry) LoadBuiltins(factories []Factory) {
	for _, factory := range factories {
		manifest := factory.Manifest()
		if err := r.Register(factory, "", nil); err != nil {
			if errors.Is(err, ErrUnavailable) {
				r.logger.Debug("builtin plugin unavailable, skipping",
					zap.String("slot", string(manifest.Slot)),
					zap.String("name", manifest.Name))
				continue
			}
			r.logger.Warn("builtin plugin failed to load",
				zap.String("slot", string(manifest.Slot)),
				zap.String("name", manifest.Name),
				zap.Error(err))
		}
	}
}

// LoadFromConfig binds every plugin the configuration references. Each
// configured notifier becomes its own instance of the factory named by its
// "type" key, carrying that notifier's config. A referenced plugin that
// cannot be resolved is a fatal configuration error.
func (r *Registry) LoadFromConfig(cfg *config.Config, factories []Factory) error {
	byKey := make(map[key]Factory, len(factories))
	for _, factory := range factories {
		m := factory.Manifest()
		byKey[key{slot: m.Slot, name: m.Name}] = factory
	}

	for name, notifierCfg := range cfg.Notifiers {
		kind, _ := notifierCfg["type"].(string)
		if kind == "" {
			return fmt.Errorf("notifier %q: missing type", name)
		}
		factory, ok := byKey[key{slot: SlotNotifier, name: kind}]
		if !ok {
			return fmt.Errorf("notifier %q: unknown type %q", name, kind)
		}
		if err := r.Register(factory, name, notifierCfg); err != nil {
			return fmt.Errorf("notifier %q: %w", name, err)
		}
	}

	// Every plugin named by defaults or a project must have been bound by
	// the builtin pass.
	for _, ref := range referencedPlugins(cfg) {
		if _, ok := r.Get(ref.slot, ref.name); !ok {
			return fmt.Errorf("configured plugin %s/%s is not available", ref.slot, ref.name)
		}
	}
	return nil
}

func referencedPlugins(cfg *config.Config) []key {
	seen := make(map[key]bool)
	add := func(slot Slot, name string) {
		if name != "" {
			seen[key{slot: slot, name: name}] = true
		}
	}

	add(SlotRuntime, cfg.Defaults.Runtime)
	add(SlotAgent, cfg.Defaults.Agent)
	add(SlotWorkspace, cfg.Defaults.Workspace)
	add(SlotTracker, cfg.Defaults.Tracker)
	add(SlotSCM, cfg.Defaults.SCM)
	for _, project := range cfg.Projects {
		if project == nil {
			continue
		}
		add(SlotRuntime, project.Runtime)
		add(SlotAgent, project.Agent)
		add(SlotWorkspace, project.Workspace)
		add(SlotTracker, project.Tracker)
		add(SlotSCM, project.SCM)
	}

	refs := make([]key, 0, len(seen))
	for k := range seen {
		refs = append(refs, k)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].slot != refs[j].slot {
			return refs[i].slot < refs[j].slot
		}
		return refs[i].name < refs[j].name
	})
	return refs
}

// Runtime returns the runtime plugin bound to name.
func (r *Registry) Runtime(name string) (Runtime, error) {
	instance, ok := r.Get(SlotRuntime, name)
	if !ok {
		return nil, fmt.Errorf("runtime plugin %q not registered", name)
	}
	rt, ok := instance.(Runtime)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the runtime contract", name)
	}
	return rt, nil
}

// Agent returns the agent plugin bound to name.
func (r *Registry) Agent(name string) (Agent, error) {
	instance, ok := r.Get(SlotAgent, name)
	if !ok {
		return nil, fmt.Errorf("agent plugin %q not registered", name)
	}
	agent, ok := instance.(Agent)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the agent contract", name)
	}
	return agent, nil
}

// Workspace returns the workspace plugin bound to name.
func (r *Registry) Workspace(name string) (Workspace, error) {
	instance, ok := r.Get(SlotWorkspace, name)
	if !ok {
		return nil, fmt.Errorf("workspace plugin %q not registered", name)
	}
	workspace, ok := instance.(Workspace)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the workspace contract", name)
	}
	return workspace, nil
}

// Tracker returns the tracker plugin bound to name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	instance, ok := r.Get(SlotTracker, name)
	if !ok {
		return nil, fmt.Errorf("tracker plugin %q not registered", name)
	}
	tracker, ok := instance.(Tracker)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the tracker contract", name)
	}
	return tracker, nil
}

// SCM returns the SCM plugin bound to name.
func (r *Registry) SCM(name string) (SCM, error) {
	instance, ok := r.Get(SlotSCM, name)
	if !ok {
		return nil, fmt.Errorf("scm plugin %q not registered", name)
	}
	scm, ok := instance.(SCM)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the scm contract", name)
	}
	return scm, nil
}

// Notifier returns the notifier instance bound to name.
func (r *Registry) Notifier(name string) (Notifier, error) {
	instance, ok := r.Get(SlotNotifier, name)
	if !ok {
		return nil, fmt.Errorf("notifier %q not registered", name)
	}
	notifier, ok := instance.(Notifier)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the notifier contract", name)
	}
	return notifier, nil
}

// Terminal returns the terminal plugin bound to name.
func (r *Registry) Terminal(name string) (Terminal, error) {
	instance, ok := r.Get(SlotTerminal, name)
	if !ok {
		return nil, fmt.Errorf("terminal plugin %q not registered", name)
	}
	terminal, ok := instance.(Terminal)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the terminal contract", name)
	}
	return terminal, nil
}
