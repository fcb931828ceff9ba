package liveness

import (
	"encoding/json"
	"fmt"

	"github.com/meshcall/meshcall/signal"
)

func marshalMeta(meta signal.PongMetaData) (string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("liveness: marshal metadata: %w", err)
	}
	return string(b), nil
}

// UnmarshalMeta parses a PongUi.MetaData string. Callers should log and
// otherwise tolerate a parse failure rather than treating it as fatal.
func UnmarshalMeta(raw string) (signal.PongMetaData, error) {
	var meta signal.PongMetaData
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return signal.PongMetaData{}, fmt.Errorf("liveness: unmarshal metadata: %w", err)
	}
	return meta, nil
}
