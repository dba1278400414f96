package commands

import "github.com/seantiz/tarn/internal/depspec"

// hookAll selects hooks run on every platform.
const hookAll = "all"

// Hooks maps a platform common name (or "all") to extra script lines.
type Hooks map[string][]string

// For returns the "all" hooks followed by those of platform.
func (h Hooks) For(platform string) []string {
	var out []string
	out = append(out, h[hookAll]...)
	out = append(out, h[platform]...)
	return out
}

// Current returns the hooks that apply to the running system.
func (h Hooks) Current() []string {
	return h.For(depspec.CommonName())
}
