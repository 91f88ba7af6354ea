package apkerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinctAndWrappable(t *testing.T) {
	all := []error{BaselineMismatch, PatchIntegrity, TargetIntegrity, MalformedManifest, IoError, VersionOrdering}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %d unexpectedly matches sentinel %d via errors.Is", i, j)
			}
		}
	}

	for _, sentinel := range all {
		wrapped := fmt.Errorf("context: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("wrapped error does not match its own sentinel via errors.Is: %v", wrapped)
		}
	}
}
