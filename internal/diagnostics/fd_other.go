//go:build !linux && !darwin

package diagnostics

// CountFDs reports 0, 0 where descriptor counts are unavailable; the
// pre-flight check and FD health warnings are skipped in that case.
func CountFDs() (open, limit int) {
	return 0, 0
}
