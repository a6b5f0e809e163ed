//go:build !linux

package shield

func processRSSBytes() (uint64, bool) { return 0, false }
