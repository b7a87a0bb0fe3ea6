// Package permission resolves effective permissions at two scopes: server-wide
// and per channel. Permission strings are opaque; the resolver only unions
// sets and layers owner-implicit grants on top.
package permission

// Set is a set of permission strings.
type Set map[string]struct{}

// NewSet builds a Set from a slice of permission strings.
func NewSet(perms []string) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether the set grants the permission.
func (s Set) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Add inserts a permission into the set.
func (s Set) Add(perm string) { s[perm] = struct{}{} }

// Strings returns the set as a slice, in unspecified order.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}
