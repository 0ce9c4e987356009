package manifest

import "fmt"

// ManifestError is the fatal error category for manifest parse/resolve
// failures; the session fails before any job runs (spec §7).
type ManifestError struct {
	Op    string
	cause error
}

func (e *ManifestError) Error() string { return fmt.Sprintf("manifest: %s: %v", e.Op, e.cause) }
func (e *ManifestError) Unwrap() error { return e.cause }

// ManifestNotFound reports that no resolvable file exists for a reference.
type ManifestNotFound struct {
	Path string
}

func (e *ManifestNotFound) Error() string { return fmt.Sprintf("manifest not found: %s", e.Path) }

// ManifestInvalid reports a schema violation in a parsed manifest file.
type ManifestInvalid struct {
	Path   string
	Detail string
}

func (e *ManifestInvalid) Error() string {
	return fmt.Sprintf("manifest invalid: %s: %s", e.Path, e.Detail)
}

// ReferenceInvalid reports a handle or node-id that could not be found.
type ReferenceInvalid struct {
	Ref    string
	Detail string
}

func (e *ReferenceInvalid) Error() string {
	return fmt.Sprintf("reference invalid: %s: %s", e.Ref, e.Detail)
}

// wrapManifestErr wraps any resolver-internal error as a ManifestError,
// following the teacher's fmt.Errorf("...: %w", err) wrapping idiom.
func wrapManifestErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ManifestError{Op: op, cause: err}
}
