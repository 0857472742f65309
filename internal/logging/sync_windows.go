//go:build windows

package logging

func isConsoleSyncError(error) bool {
	return true
}
