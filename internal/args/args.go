// Package args implements progressive consumption of display arguments.
//
// Every display backend parses the same argument list. Each recognized flag
// (and its value) is blanked once consumed so that backends tried later in
// the chain, and the final leftover check, see only what nobody handled yet.
package args

import (
	"fmt"
	"strings"
)

type entry struct {
	val  string
	used bool
}

// Args is an argument list whose entries can be consumed one at a time.
type Args struct {
	entries []entry
}

// New wraps argv. The slice is copied.
func New(argv []string) *Args {
	a := &Args{entries: make([]entry, len(argv))}
	for i, v := range argv {
		a.entries[i] = entry{val: v}
	}
	return a
}

func (a *Args) find(name string, from int) int {
	for i := from; i < len(a.entries); i++ {
		if !a.entries[i].used && a.entries[i].val == name {
			return i
		}
	}
	return -1
}

// Has reports whether an unconsumed flag is present, without consuming it.
func (a *Args) Has(name string) bool {
	return a.find(name, 0) >= 0
}

// Flag consumes every occurrence of a boolean flag and reports whether one
// was present.
func (a *Args) Flag(name string) bool {
	found := false
	for i := a.find(name, 0); i >= 0; i = a.find(name, i+1) {
		a.entries[i].used = true
		found = true
	}
	return found
}

// Value consumes the first occurrence of name and the argument after it.
func (a *Args) Value(name string) (string, bool, error) {
	i := a.find(name, 0)
	if i < 0 {
		return "", false, nil
	}
	a.entries[i].used = true
	if i+1 >= len(a.entries) || a.entries[i+1].used {
		return "", true, fmt.Errorf("missing value for %s", name)
	}
	a.entries[i+1].used = true
	return a.entries[i+1].val, true, nil
}

// Values consumes every occurrence of a repeatable flag with a value.
func (a *Args) Values(name string) ([]string, error) {
	var out []string
	for {
		v, ok, err := a.Value(name)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// Remaining returns the arguments nobody consumed.
func (a *Args) Remaining() []string {
	var out []string
	for _, e := range a.entries {
		if !e.used {
			out = append(out, e.val)
		}
	}
	return out
}

// String renders the list with consumed entries shown as "_".
func (a *Args) String() string {
	parts := make([]string, len(a.entries))
	for i, e := range a.entries {
		if e.used {
			parts[i] = "_"
		} else {
			parts[i] = e.val
		}
	}
	return strings.Join(parts, " ")
}
