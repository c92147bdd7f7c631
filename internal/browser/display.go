package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// x11SocketDir is where Xvfb and friends create their listening sockets.
var x11SocketDir = "/tmp/.X11-unix"

// CheckDisplay verifies that a local X server is listening for display, e.g. ":99" or ":99.0".
// Headed browsers cannot start without one.
func CheckDisplay(display string) error {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return fmt.Errorf("%w: no display configured", models.ErrDisplayUnavailable)
	}

	num, err := displayNumber(display)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDisplayUnavailable, err)
	}

	socket := filepath.Join(x11SocketDir, "X"+strconv.Itoa(num))
	if _, err := os.Stat(socket); err != nil {
		return fmt.Errorf("%w: display %s has no socket at %s", models.ErrDisplayUnavailable, display, socket)
	}
	return nil
}

func displayNumber(display string) (int, error) {
	idx := strings.LastIndex(display, ":")
	if idx < 0 {
		return 0, fmt.Errorf("malformed display %q", display)
	}
	rest := display[idx+1:]
	if dot := strings.Index(rest, "."); dot >= 0 {
		rest = rest[:dot]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed display %q", display)
	}
	return n, nil
}
