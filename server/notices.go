package server

import (
	"sync"

	"fityard/session"
)

const maxNotices = 20

// Notice is a flash message shown on the next rendered page.
type Notice struct {
	Level   session.Level
	Message string
}

// Notices queues session notifications for the console. The oldest entries
// are dropped once the queue is full.
type Notices struct {
	mu    sync.Mutex
	queue []Notice
}

// Notify implements session.Notifier.
func (n *Notices) Notify(level session.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, Notice{Level: level, Message: message})
	if len(n.queue) > maxNotices {
		n.queue = n.queue[len(n.queue)-maxNotices:]
	}
}

// Drain returns and clears the queued notices.
func (n *Notices) Drain() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.queue
	n.queue = nil
	return out
}
