// Package cachekey derives canonical cache and deduplication keys from a base identifier and a
// set of request parameters.
package cachekey

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Derive returns base when params is empty; otherwise base + "?" + the parameters sorted by
// name and rendered as name=<json value>, joined by "&". Two logically identical requests always
// produce the same key regardless of map iteration order.
func Derive(base string, params map[string]any) string {
	if len(params) == 0 {
		return base
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('?')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(serialize(params[name]))
	}
	return b.String()
}

func serialize(v any) string {
	out, err := json.MarshalNoEscape(v)
	if err != nil {
		// Values that have no JSON form (funcs, channels) still need a stable rendering.
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
