// Package apkerr defines the error-kind taxonomy shared by every codec and
// by the chain applier. Callers distinguish kinds with errors.Is, the way
// the teacher wraps lower-level errors with fmt.Errorf("...: %w", err).
package apkerr

import "errors"

// Sentinel error kinds. Wrap one of these with fmt.Errorf("context: %w", Kind)
// so callers can recover the kind via errors.Is without string matching.
var (
	// BaselineMismatch means the local file's identity key does not equal
	// the manifest's baseline key. Non-fatal: callers fall back to a full
	// download. ChainApplier never surfaces this as a hard error.
	BaselineMismatch = errors.New("apkdelta: baseline mismatch")

	// PatchIntegrity covers patchSha256 mismatch, bad magic, bad opcode,
	// a truncated stream, or a size mismatch discovered while applying.
	PatchIntegrity = errors.New("apkdelta: patch integrity failure")

	// TargetIntegrity means application completed but the resulting file's
	// identity key does not match the manifest's target key.
	TargetIntegrity = errors.New("apkdelta: target integrity failure")

	// MalformedManifest covers an unknown format tag or a missing field
	// required by the declared format.
	MalformedManifest = errors.New("apkdelta: malformed manifest")

	// IoError wraps file or network read/write failures surfaced by
	// collaborators (ManifestSource, ArtifactSink, local filesystem).
	IoError = errors.New("apkdelta: io error")

	// VersionOrdering means publishing would not strictly advance the
	// chain for the given base version.
	VersionOrdering = errors.New("apkdelta: version ordering violation")
)
