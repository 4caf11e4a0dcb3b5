package pp

import (
	"sort"
	"strings"
)

const (
	scopeDirnameSeparator = "/"
	scopeDirnameCurrent   = "."
	scopeDirnameWildcard  = "*"
)

// NamedScopes indexes the scopes created by #begin, two levels deep:
// directory name, then scope name.  Code in one directory's Sources.pp can
// iterate the scopes of another via selectors like dirname/scopename,
// ./scopename, or */scopename.
type NamedScopes struct {
	ctx     *Context
	dirs    map[string]map[string][]*Scope
	current string
}

func newNamedScopes(ctx *Context) *NamedScopes {
	return &NamedScopes{
		ctx:  ctx,
		dirs: make(map[string]map[string][]*Scope),
	}
}

// SetCurrent changes the directory that "." refers to.
func (n *NamedScopes) SetCurrent(dirname string) {
	n.current = dirname
}

// MakeScope creates a new scope registered under the current directory with
// the given scope name.  The empty name is the directory's top-level scope.
func (n *NamedScopes) MakeScope(name string) *Scope {
	scope := NewScope(n.ctx)
	named := n.dirs[n.current]
	if named == nil {
		named = make(map[string][]*Scope)
		n.dirs[n.current] = named
	}
	named[name] = append(named[name], scope)
	return scope
}

// GetScopes appends all scopes matching the selector to out.  The selector
// may be "dirname/scopename" where dirname may be "." (current) or "*"
// (all), and scopename may be "*" (every named scope in the directory,
// excluding the top-level empty-name scope).
func (n *NamedScopes) GetScopes(name string, out *[]*Scope) {
	dirname := n.current
	scopename := name

	if slash := strings.Index(name, scopeDirnameSeparator); slash >= 0 {
		dirname = name[:slash]
		scopename = name[slash+1:]
		if dirname == scopeDirnameCurrent {
			dirname = n.current
		}
	}

	if dirname == scopeDirnameWildcard {
		dirnames := make([]string, 0, len(n.dirs))
		for d := range n.dirs {
			dirnames = append(dirnames, d)
		}
		sort.Strings(dirnames)
		for _, d := range dirnames {
			n.getFrom(n.dirs[d], scopename, out)
		}
		return
	}

	if named, ok := n.dirs[dirname]; ok {
		n.getFrom(named, scopename, out)
	}
}

func (n *NamedScopes) getFrom(named map[string][]*Scope, name string, out *[]*Scope) {
	if name == scopeDirnameWildcard {
		scopenames := make([]string, 0, len(named))
		for sn := range named {
			if sn != "" {
				scopenames = append(scopenames, sn)
			}
		}
		sort.Strings(scopenames)
		for _, sn := range scopenames {
			*out = append(*out, named[sn]...)
		}
		return
	}
	*out = append(*out, named[name]...)
}

// SortByDependency orders scopes so that later scopes depend on earlier
// ones: by the owning directory's depends index, then by directory name.
// Scopes with no associated directory sort first.
func SortByDependency(scopes []*Scope) {
	sort.SliceStable(scopes, func(i, j int) bool {
		da := scopes[i].Directory()
		db := scopes[j].Directory()
		if (da == nil) != (db == nil) {
			return da == nil
		}
		if da == nil {
			return false
		}
		if da.DependsIndex() != db.DependsIndex() {
			return da.DependsIndex() < db.DependsIndex()
		}
		return da.Dirname() < db.Dirname()
	})
}
