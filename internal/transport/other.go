//go:build !linux && !darwin

package transport

// Open reports ErrUnsupported; there is no raw socket path here.
func Open(opts Options) (Conn, error) {
	return nil, ErrUnsupported
}
