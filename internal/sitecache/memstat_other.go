//go:build !linux

package sitecache

func processRSSBytes() (uint64, bool) { return 0, false }
