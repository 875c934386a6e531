package cachetier

// Resource is the opaque logical identity the provider operates on. Location
// names the logical store (e.g. a repository or group); Path is the
// location-relative path of the artifact. AltStorageLocation, when set,
// overrides Location for the purposes of resolving the shared-tier path —
// used by aliasing setups where several locations share one physical copy.
type Resource struct {
	Location           string
	Path               string
	AltStorageLocation string
}

// storageLocation returns the location to use when resolving the resource's
// shared-tier path.
func (r Resource) storageLocation() string {
	if r.AltStorageLocation != "" {
		return r.AltStorageLocation
	}
	return r.Location
}

// IsRoot reports whether the resource names the root of its location.
func (r Resource) IsRoot() bool {
	return r.Path == "" || r.Path == "/"
}
