//go:build windows

package console

// Windows has no SIGWINCH; the size sent at startup is kept.
func watchResize(func()) (stop func()) {
	return func() {}
}
