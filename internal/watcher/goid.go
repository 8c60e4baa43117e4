package watcher

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the current goroutine's id as printed in stack traces,
// or 0 if it cannot be parsed. It is only used to detect Stop being called
// from the dispatch goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
