//go:build !unix

package channel

import "os"

// Pair is unavailable without socketpair(2).
func Pair(maxBytes int) (*Endpoint, *os.File, error) {
	return nil, nil, ErrUnsupported
}
