package service

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serializes work per key without a global lock. Distinct keys
// usually land on distinct stripes; collisions only cost some parallelism.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
