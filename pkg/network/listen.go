package network

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/imagegend/pkg/log"
)

// dockerEnvPath is the marker file container runtimes drop at the root
// of the filesystem. Tests point it elsewhere.
var dockerEnvPath = "/.dockerenv"

// Containerized reports whether the process runs inside a container:
// the config flag, IMAGEGEND_CONTAINERIZED, or the docker marker file.
func Containerized(configFlag bool) bool {
	if configFlag {
		return true
	}
	if v := os.Getenv("IMAGEGEND_CONTAINERIZED"); v == "1" || strings.EqualFold(v, "true") {
		return true
	}
	if _, err := os.Stat(dockerEnvPath); err == nil {
		return true
	}
	return false
}

// Listen binds the first free TCP port in [port, port+scanRange] and
// returns the listener with the port it landed on. Desktop shells often
// leave a stale instance holding the default port; scanning upward keeps
// the backend bootable without user intervention.
func Listen(host string, port, scanRange int) (net.Listener, int, error) {
	if scanRange < 0 {
		scanRange = 0
	}

	var lastErr error
	for candidate := port; candidate <= port+scanRange; candidate++ {
		lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err != nil {
			lastErr = err
			continue
		}
		if candidate != port {
			logger := log.WithComponent("network")
			logger.Warn().
				Int("requested", port).
				Int("port", candidate).
				Msg("Requested port busy, using fallback")
		}
		return lis, candidate, nil
	}
	return nil, 0, fmt.Errorf("failed to bind any port in [%d,%d] on %s: %w", port, port+scanRange, host, lastErr)
}
