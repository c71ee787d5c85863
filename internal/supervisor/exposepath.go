package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallOpenPathNoFollow opens path O_PATH|O_NOFOLLOW for read-only
// sandbox exposure, per §4.4/§4.3.
func syscallOpenPathNoFollow(path string) (int, error) {
	raw, err := unix.Open(path, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return -1, fmt.Errorf("supervisor: opening exposed path %q: %w", path, err)
	}
	return raw, nil
}
