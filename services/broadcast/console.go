package broadcastsvc

import (
	"encoding/json"
	"fmt"

	"github.com/trezcool/uwepo/core"
)

// consoleBroadcaster logs events instead of delivering them; used when no
// websocket server runs (admin CLI, scripts).
type consoleBroadcaster struct {
	logger core.Logger
}

var _ core.Broadcaster = (*consoleBroadcaster)(nil)

func NewConsoleBroadcaster(logger core.Logger) *consoleBroadcaster {
	return &consoleBroadcaster{logger: logger}
}

func (b *consoleBroadcaster) Publish(topic, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", payload))
	}
	b.logger.Debug(fmt.Sprintf("event %s on %s: %s", event, topic, data))
}
