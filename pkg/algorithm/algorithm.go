package algorithm

// Algorithm abstracts an algorithm that is referenced by name in release manifests.
type Algorithm interface {
	// Name returns the name of the algorithm as it appears on the wire.
	Name() string
}
