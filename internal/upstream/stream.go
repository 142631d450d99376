package upstream

import (
	"io"
	"sync"
)

// Stream 拉取式的回答流。Recv 阻塞取下一个增量，流正常结束返回 io.EOF，
// 异常结束返回生产方给出的错误。Close 在任何退出路径上都必须调用，
// 否则生产方可能泄漏上游连接。
type Stream struct {
	ch   chan Chunk
	done chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// StreamWriter 流的生产端。Send 在消费方关闭后返回 false，
// 生产方应立即终止并释放上游资源。
type StreamWriter struct {
	s *Stream

	sendOnce sync.Once
}

// Pipe 创建一对流与写入端。
func Pipe(buf int) (*StreamWriter, *Stream) {
	s := &Stream{
		ch:   make(chan Chunk, buf),
		done: make(chan struct{}),
	}
	return &StreamWriter{s: s}, s
}

// Recv 取下一个增量。
func (s *Stream) Recv() (Chunk, error) {
	chunk, ok := <-s.ch
	if !ok {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return Chunk{}, err
	}
	return chunk, nil
}

// Close 终止消费。幂等，可与 Recv 并发。
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Send 投递一个增量，消费方已关闭时返回 false。
func (w *StreamWriter) Send(chunk Chunk) bool {
	select {
	case <-w.s.done:
		return false
	case w.s.ch <- chunk:
		return true
	}
}

// CloseSend 结束生产。err 为 nil 时消费方在尾部收到 io.EOF。
func (w *StreamWriter) CloseSend(err error) {
	w.sendOnce.Do(func() {
		w.s.mu.Lock()
		w.s.err = err
		w.s.mu.Unlock()
		close(w.s.ch)
	})
}

// Closed 返回消费方是否已放弃这个流。
func (w *StreamWriter) Closed() <-chan struct{} {
	return w.s.done
}
