package main

import (
	"fmt"
	"io"
	"sync"

	"escrowdesk/notify"
)

// termSurface prints notifications as they appear. Dismissals are silent.
type termSurface struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *termSurface) Show(n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := "..."
	switch n.Kind {
	case notify.KindSuccess:
		marker = "ok"
	case notify.KindError:
		marker = "!!"
	}
	if n.Description != "" {
		fmt.Fprintf(s.out, "[%s] %s: %s\n", marker, n.Title, n.Description)
		return
	}
	fmt.Fprintf(s.out, "[%s] %s\n", marker, n.Title)
}

func (s *termSurface) Dismiss(string) {}
