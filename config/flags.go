package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Flags is a set of named feature flags with fire-once observers.
//
// Observers registered with OnEnabled against a flag that is still off are
// kept in a per-flag list and drained, in registration order, on the first
// flip to on. Registering against a flag that is already on runs the
// callback immediately.
type Flags struct {
	mu        sync.Mutex
	values    map[string]bool
	observers map[string][]func()
}

func newFlags(initial map[string]bool) *Flags {
	f := &Flags{
		values:    make(map[string]bool, len(initial)),
		observers: make(map[string][]func()),
	}
	for k, v := range initial {
		f.values[canonicalFlag(k)] = v
	}
	return f
}

// Enabled reports whether name is on.
func (f *Flags) Enabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[canonicalFlag(name)]
}

// Set turns name on or off. Turning a flag on drains its observers.
func (f *Flags) Set(name string, on bool) {
	key := canonicalFlag(name)

	f.mu.Lock()
	was := f.values[key]
	f.values[key] = on
	var fire []func()
	if on && !was {
		fire = f.observers[key]
		delete(f.observers, key)
	}
	f.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// OnEnabled runs fn once, when name is (or becomes) on.
func (f *Flags) OnEnabled(name string, fn func()) {
	key := canonicalFlag(name)

	f.mu.Lock()
	if f.values[key] {
		f.mu.Unlock()
		fn()
		return
	}
	f.observers[key] = append(f.observers[key], fn)
	f.mu.Unlock()
}

// Snapshot returns a copy of every flag value.
func (f *Flags) Snapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Watch re-reads the feature_flags section of the YAML file at path whenever
// it changes on disk and applies it to f. viper re-reads the file before the
// change callback runs. The returned func stops applying
// updates; viper keeps its watcher goroutine until process exit.
func Watch(path string, f *Flags) (stop func(), err error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		stopped bool
	)
	apply := func() {
		for name, on := range v.GetStringMap("feature_flags") {
			if b, ok := on.(bool); ok {
				f.Set(name, b)
			}
		}
	}
	apply()

	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		apply()
	})
	v.WatchConfig()

	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
	}, nil
}
