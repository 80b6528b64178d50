package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Listen binds preferred, or when it is busy and autoFallback is set, the
// first candidate that can be bound. The returned listener is already open so
// the address cannot be taken between selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s: %w", preferred, err)
		}
	}

	var tried []string
	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		tried = append(tried, addr)
	}
	if len(tried) == 0 {
		return nil, errors.New("no available bind addresses")
	}
	return nil, fmt.Errorf("no available bind addresses (tried %s)", strings.Join(tried, ", "))
}
