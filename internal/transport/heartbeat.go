package transport

import (
	"net"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// heartbeat pings the gateway every HeartbeatInterval until stop is closed.
// The gateway answers with a pong, which extends the read deadline in
// readLoop; a link that stays silent for Interval + Timeout fails the read
// and triggers a reconnect. A failed ping closes conn right away.
func (t *WS) heartbeat(conn net.Conn, stop <-chan struct{}) {
	if t.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.write(conn, ws.OpPing, nil); err != nil {
				t.logger.Warn("heartbeat ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}
