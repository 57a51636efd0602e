package store

type Role int

const (
	// RolePrimary is the root backed by durable storage; UI reads happen here.
	RolePrimary Role = iota
	// RoleSync is the long-lived background writer below primary.
	RoleSync
	// RoleWorker is a short-lived isolated child.
	RoleWorker
	// RoleTest is an isolated root whose writes never reach durable storage.
	RoleTest
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSync:
		return "sync"
	case RoleWorker:
		return "worker"
	case RoleTest:
		return "test"
	}
	return "unknown"
}

func (r Role) CanPersist() bool {
	return r == RolePrimary
}
