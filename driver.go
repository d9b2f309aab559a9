package memo

// Driver identifies a storage backend.
type Driver string

const (
	// DriverFile keeps one envelope file per resource.
	DriverFile Driver = "file"
	// DriverShared keeps envelopes in host-supplied blob and lock tables.
	DriverShared Driver = "shared"
	// DriverNull never caches.
	DriverNull Driver = "null"
)
