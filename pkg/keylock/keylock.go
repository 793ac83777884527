package keylock

import "sync"

// KeyLock 按 key 粒度的互斥锁，不同 key 互不阻塞
// 无人持有的 key 会被回收，map 不会无限增长
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New 创建按 key 加锁器
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock 锁定 key，返回解锁函数
func (l *KeyLock) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len 当前被持有或等待中的 key 数量
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
