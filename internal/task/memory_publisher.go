package task

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 使用 channel 缓存事件，主要用于测试与单机部署。
type MemoryPublisher struct {
	ch      chan ExecutionEvent
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewMemoryPublisher 创建一个内存事件通道。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan ExecutionEvent, size)}
}

// Publish 投递事件，缓冲区已满时丢弃最旧的事件。
func (p *MemoryPublisher) Publish(_ context.Context, event ExecutionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件通道已关闭")
	}
	for {
		select {
		case p.ch <- event:
			return nil
		default:
		}
		select {
		case <-p.ch:
			p.dropped++
		default:
		}
	}
}

// Dropped 返回因缓冲区已满而丢弃的事件数量。
func (p *MemoryPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Events 返回只读事件通道。
func (p *MemoryPublisher) Events() <-chan ExecutionEvent {
	return p.ch
}

// Close 关闭事件通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
