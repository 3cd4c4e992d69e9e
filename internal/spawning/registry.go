package spawning

import "fmt"

// LoaderRegistry maps an application type tag (pool.Options.AppType) to
// the loader script that a spawned process execs as step 1 of spec.md
// §4.4.1 direct spawn. Mirrors the shape of the teacher's agent-type
// registry (internal/spawning/registry.go's predecessor in this tree),
// generalized from "container image per agent type" to "loader script per
// app type" since this module forks real OS processes rather than
// launching Docker containers.
type LoaderRegistry struct {
	loaders map[string]string
}

// NewLoaderRegistry builds a registry pre-seeded with the default loader
// paths; callers may override or add entries with Register before the
// registry is handed to spawning.NewFactory.
func NewLoaderRegistry() *LoaderRegistry {
	r := &LoaderRegistry{loaders: make(map[string]string)}
	for appType, path := range defaultLoaders() {
		r.loaders[appType] = path
	}
	return r
}

// defaultLoaders returns the built-in app-type -> loader-script mapping.
// These paths match where Phusion Passenger itself ships its helper
// scripts; an operator's install can relocate them via Register.
func defaultLoaders() map[string]string {
	return map[string]string{
		"rack":    "/usr/share/passenger-sub013/helper-scripts/rack-loader.rb",
		"rails":   "/usr/share/passenger-sub013/helper-scripts/rack-loader.rb",
		"wsgi":    "/usr/share/passenger-sub013/helper-scripts/wsgi-loader.py",
		"node":    "/usr/share/passenger-sub013/helper-scripts/node-loader.js",
		"meteor":  "/usr/share/passenger-sub013/helper-scripts/node-loader.js",
	}
}

// Register associates appType with a loader script path, overwriting any
// existing entry (including defaults). Used by config to let an operator
// point at a vendored copy of the helper scripts.
func (r *LoaderRegistry) Register(appType, loaderPath string) {
	r.loaders[appType] = loaderPath
}

// LoaderFor resolves appType to its loader script path, or an error if the
// app type was never registered -- surfaced as a KindSpawnError at the
// "preparation" stage (spec.md §4.4.1 step 1), since no fork has happened
// yet to attribute the failure to anything later.
func (r *LoaderRegistry) LoaderFor(appType string) (string, error) {
	path, ok := r.loaders[appType]
	if !ok {
		return "", fmt.Errorf("spawning: no loader script registered for app type %q", appType)
	}
	return path, nil
}
