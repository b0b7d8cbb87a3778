// Package soup carries the vocabulary shared by every harness component:
// the structured error taxonomy and the helpers for classifying failures.
//
// Component packages keep their own sentinel errors where a caller wants
// equality checks (kv.ErrNotFound, kv.ErrInvalidKey) and translate them to
// taxonomy kinds at service boundaries, so a matrix cell result can always
// name the failure class that produced it.
package soup
