package daemon

import (
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

// ConfigResolver resolves invocations from dmypyls configuration files.
// The file is re-read on every call.
type ConfigResolver struct {
	Configs *dmypyconf.Resolver
}

// ResolveCommand implements Resolver.
func (r ConfigResolver) ResolveCommand(root string) (Invocation, error) {
	cfg, err := r.Configs.Load(root)
	if err != nil {
		return Invocation{}, err
	}
	return InvocationFromConfig(root, cfg), nil
}

// InvocationFromConfig builds the Invocation for root described by cfg.
func InvocationFromConfig(root string, cfg *dmypyconf.Config) Invocation {
	return Invocation{
		Argv:       cfg.Command,
		Dir:        root,
		Flags:      cfg.DaemonFlags,
		StatusFile: cfg.StatusFile,
	}
}

// OptionsFromConfig returns the default options with the policy knobs of
// cfg applied.
func OptionsFromConfig(cfg *dmypyconf.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	opts.CheckTimeout = cfg.CheckTimeout
	opts.StopGrace = cfg.StopGrace
	opts.CrashThreshold = cfg.CrashThreshold
	opts.CrashWindow = cfg.CrashWindow
	opts.RestartBackoff = cfg.RestartBackoff
	opts.Spawner = &ExecSpawner{StartTimeout: cfg.StartTimeout}
	return opts
}
