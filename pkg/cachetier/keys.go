package cachetier

import (
	"path"
	"strings"
)

// KeyDeriver computes the lock key and shared-tier path for a resource. The
// lock key is the resource's parent directory under its storage location —
// siblings in the same directory contend for the same key, matching the
// directory-granularity locking the cluster map actually enforces.
type KeyDeriver struct {
	sharedRoot string
	paths      PathGenerator
}

// NewKeyDeriver builds a KeyDeriver rooted at sharedRoot (the shared tier's
// mount point) using paths to resolve a resource's relative path.
func NewKeyDeriver(sharedRoot string, paths PathGenerator) *KeyDeriver {
	return &KeyDeriver{sharedRoot: sharedRoot, paths: paths}
}

// RelativePath returns the resource's path relative to its storage location.
func (k *KeyDeriver) RelativePath(r Resource) (string, error) {
	if k.paths != nil {
		return k.paths.FilePath(r)
	}
	return r.Path, nil
}

// SharedPath returns the resource's absolute path under the shared tier,
// honoring AltStorageLocation when set.
func (k *KeyDeriver) SharedPath(r Resource) (string, error) {
	rel, err := k.RelativePath(r)
	if err != nil {
		return "", Wrap(KindIO, "SharedPath", r.Path, err)
	}
	loc := r.storageLocation()
	return path.Join(k.sharedRoot, loc, rel), nil
}

// ResourceKey computes C2's per-resource mutex key: the resource's own
// identity (storage location joined with its own relative path), finer
// grained than KeyFor's directory-level key — two resources under the same
// parent directory get distinct ResourceKeys but the same KeyFor, matching
// the original provider's per-resource mutex being keyed by the resource's
// transfer object rather than by the cluster lock's directory key.
func (k *KeyDeriver) ResourceKey(r Resource) (string, error) {
	rel, err := k.RelativePath(r)
	if err != nil {
		return "", Wrap(KindIO, "ResourceKey", r.Path, err)
	}
	rel = strings.TrimPrefix(rel, "/")
	return r.storageLocation() + ":" + rel, nil
}

// KeyFor computes the lock/ownership key for a resource: its storage
// location joined with the parent directory of its relative path. Two
// resources that share a parent directory share a key and therefore
// contend for the same ownership-map lock.
func (k *KeyDeriver) KeyFor(r Resource) (string, error) {
	rel, err := k.RelativePath(r)
	if err != nil {
		return "", Wrap(KindIO, "KeyFor", r.Path, err)
	}
	rel = strings.TrimPrefix(rel, "/")
	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	loc := r.storageLocation()
	if dir == "" {
		return loc, nil
	}
	return loc + ":" + dir, nil
}
