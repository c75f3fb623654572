package storage

import (
	"encoding/json"
	"strconv"

	"github.com/mopl/realtime/types"
)

// Events are stored as their JSON form; the encoding doubles as the zset
// member, so it must be deterministic for idempotent re-adds.
func marshalEvent(ev types.NotificationEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func unmarshalEvent(data []byte) (types.NotificationEvent, error) {
	var ev types.NotificationEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}
