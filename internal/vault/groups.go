package vault

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// CleanGroup normalises a slash separated group path. The root group is "".
func CleanGroup(group string) string {
	return strings.Trim(path.Clean("/"+group), "/")
}

// InGroup reports whether group is parent or one of its subgroups.
func InGroup(group, parent string) bool {
	if parent == "" {
		return true
	}
	return group == parent || strings.HasPrefix(group, parent+"/")
}

// Groups returns every group path sorted: groups created explicitly, groups
// holding entries and their ancestors. The root group is not listed.
func (v *Vault) Groups() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.groupsLocked()
}

func (v *Vault) groupsLocked() []string {
	seen := make(map[string]struct{})
	add := func(g string) {
		for g != "" && g != "." {
			seen[g] = struct{}{}
			g = path.Dir(g)
		}
	}
	for g := range v.groups {
		add(g)
	}
	for _, e := range v.entries {
		add(e.Group)
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (v *Vault) hasGroupLocked(group string) bool {
	for _, g := range v.groupsLocked() {
		if g == group {
			return true
		}
	}
	return false
}

// AddGroup creates an empty group.
func (v *Vault) AddGroup(group string) error {
	group = CleanGroup(group)
	if group == "" {
		return fmt.Errorf("%w: root group", ErrExists)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hasGroupLocked(group) {
		return fmt.Errorf("%w: group %s", ErrExists, group)
	}
	v.groups[group] = struct{}{}
	v.groupsDirty = true
	return nil
}

// RenameGroup moves group, its subgroups and their entries to the path to.
// Moving a group is renaming it under a new parent.
func (v *Vault) RenameGroup(from, to string) error {
	from, to = CleanGroup(from), CleanGroup(to)
	if from == "" || to == "" {
		return fmt.Errorf("vault: cannot rename the root group")
	}
	if from == to {
		return nil
	}
	if InGroup(to, from) {
		return fmt.Errorf("vault: cannot move group %s into itself", from)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasGroupLocked(from) {
		return fmt.Errorf("%w: group %s", ErrNotFound, from)
	}
	if v.hasGroupLocked(to) {
		return fmt.Errorf("%w: group %s", ErrExists, to)
	}

	rebase := func(g string) string {
		return CleanGroup(to + strings.TrimPrefix(g, from))
	}
	now := time.Now().UTC()
	for id, e := range v.entries {
		if InGroup(e.Group, from) {
			e.Group = rebase(e.Group)
			e.Modified = now
			v.entries[id] = e
			v.dirty[id] = struct{}{}
		}
	}
	for g := range v.groups {
		if InGroup(g, from) {
			delete(v.groups, g)
			v.groups[rebase(g)] = struct{}{}
		}
	}
	v.groups[to] = struct{}{}
	v.groupsDirty = true
	return nil
}

// DeleteGroup removes group, its subgroups and every entry in them. It
// returns the number of entries removed.
func (v *Vault) DeleteGroup(group string) (int, error) {
	group = CleanGroup(group)
	if group == "" {
		return 0, fmt.Errorf("vault: cannot delete the root group")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasGroupLocked(group) {
		return 0, fmt.Errorf("%w: group %s", ErrNotFound, group)
	}
	removed := 0
	for id, e := range v.entries {
		if InGroup(e.Group, group) {
			delete(v.entries, id)
			delete(v.dirty, id)
			v.deleted[id] = struct{}{}
			removed++
		}
	}
	for g := range v.groups {
		if InGroup(g, group) {
			delete(v.groups, g)
		}
	}
	v.groupsDirty = true
	return removed, nil
}
