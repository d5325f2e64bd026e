package kampe

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// ValidateImage checks that ref is a well formed image reference and returns
// its canonical form.
func ValidateImage(ref string) (string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return r.Name(), nil
}
