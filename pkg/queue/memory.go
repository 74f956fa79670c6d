package queue

import (
	"context"
	"sync"
)

// MemoryLog keeps actions in process memory. Queued actions are lost on restart.
type MemoryLog struct {
	mu      sync.Mutex
	actions []Action
	closed  bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, action Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	l.actions = append(l.actions, cloneAction(action))
	return nil
}

func (l *MemoryLog) List(ctx context.Context) ([]Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	out := make([]Action, len(l.actions))
	for i, a := range l.actions {
		out[i] = cloneAction(a)
	}
	return out, nil
}

func (l *MemoryLog) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	for i, a := range l.actions {
		if a.ID == id {
			l.actions = append(l.actions[:i], l.actions[i+1:]...)
			return nil
		}
	}
	return ErrActionNotFound
}

func (l *MemoryLog) Len(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	return len(l.actions), nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.actions = nil
	return nil
}

func cloneAction(a Action) Action {
	if a.Payload != nil {
		p := make([]byte, len(a.Payload))
		copy(p, a.Payload)
		a.Payload = p
	}
	return a
}
