package secret

import "sync"

// Scope は1つの操作が所有する機密データをまとめて管理する。
// 操作の先頭で生成し、defer scope.Close() で成功・エラー・panicのいずれの経路でも解放する。
type Scope struct {
	mu       sync.Mutex
	buffers  []*Buffer
	cleanups []func()
	released []*Buffer
	closed   bool
}

// NewScope は新しいScopeを生成する。
func NewScope() *Scope {
	return &Scope{}
}

// Track はbをスコープの管理下に置き、そのまま返す。
// 既にCloseされたスコープに渡されたバッファは即座に解放する。
func (s *Scope) Track(b *Buffer) *Buffer {
	if b == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		b.Close()
		return b
	}
	s.buffers = append(s.buffers, b)
	return b
}

// Defer はスコープ終了時に実行する消去処理を登録する。
func (s *Scope) Defer(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
}

// Release はbの所有権を呼び出し元に移す。以後スコープはbを解放しない。
func (s *Scope) Release(b *Buffer) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tracked := range s.buffers {
		if tracked == b {
			s.buffers = append(s.buffers[:i], s.buffers[i+1:]...)
			break
		}
	}
	return b
}

// Close は登録された消去処理を逆順に実行し、全バッファを解放する。冪等。
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	for i := len(s.buffers) - 1; i >= 0; i-- {
		s.buffers[i].Close()
	}
	s.released = s.buffers
	s.buffers = nil
	s.cleanups = nil
}

// Closed はCloseされたかを返す。
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Released はClose時に解放したバッファを返す。
func (s *Scope) Released() []*Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Buffer, len(s.released))
	copy(out, s.released)
	return out
}
