package env

import (
	"os"
	"strings"
)

// Vars maps environment keys to values.
type Vars map[string]string

// Builder composes the environment handed to a spawned gateway: the OS
// environment as base, global overrides on top, then per-launch entries.
// ${VAR} references are expanded against the composed map.
type Builder struct {
	overrides Vars
	base      Vars
}

func New() *Builder {
	return &Builder{overrides: make(Vars)}
}

// Set records a global override K=V applied to every launch.
func (b *Builder) Set(k, v string) {
	if k == "" {
		return
	}
	b.overrides[k] = v
}

// PrependPath prepends dir to the PATH seen by the child. Repeated calls
// stack left to right.
func (b *Builder) PrependPath(dir string) {
	if dir == "" {
		return
	}
	cur, ok := b.overrides["PATH"]
	if !ok {
		cur = os.Getenv("PATH")
	}
	if cur == "" {
		b.overrides["PATH"] = dir
		return
	}
	b.overrides["PATH"] = dir + string(os.PathListSeparator) + cur
}

// Merge builds the final "K=V" slice: OS env, then global overrides, then
// perLaunch entries. Malformed perLaunch entries (no '=' or empty key) are
// skipped.
func (b *Builder) Merge(perLaunch []string) []string {
	if b.base == nil {
		b.base = fromOS()
	}
	m := make(Vars, len(b.base)+len(b.overrides)+len(perLaunch))
	for k, v := range b.base {
		m[k] = v
	}
	for k, v := range b.overrides {
		m[k] = v
	}
	for _, kv := range perLaunch {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// SetBase overrides the OS-environment base. Intended for tests.
func (b *Builder) SetBase(base Vars) { b.base = base }

func fromOS() Vars {
	base := make(Vars)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	return base
}

// expand performs single-pass ${VAR} substitution from m.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return ""
	})
}
