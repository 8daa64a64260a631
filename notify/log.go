package notify

import (
	"context"
	"log/slog"
)

// LogSurface writes notifications to a structured logger.
type LogSurface struct {
	Logger *slog.Logger
}

func (s LogSurface) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Show logs the notification; errors are logged at warn level.
func (s LogSurface) Show(n Notification) {
	level := slog.LevelInfo
	if n.Kind == KindError {
		level = slog.LevelWarn
	}
	s.logger().Log(context.Background(), level, n.Title,
		slog.String("notification_id", n.ID),
		slog.String("kind", string(n.Kind)),
		slog.String("description", n.Description))
}

// Dismiss logs the dismissal at debug level.
func (s LogSurface) Dismiss(id string) {
	s.logger().Debug("notification dismissed", slog.String("notification_id", id))
}

type multiSurface []Surface

// Multi fans notifications out to every surface in order.
func Multi(surfaces ...Surface) Surface {
	out := make(multiSurface, 0, len(surfaces))
	for _, s := range surfaces {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSurface) Show(n Notification) {
	for _, s := range m {
		s.Show(n)
	}
}

func (m multiSurface) Dismiss(id string) {
	for _, s := range m {
		s.Dismiss(id)
	}
}
