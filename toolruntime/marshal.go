package toolruntime

import "encoding/json"

func marshalSignal(data map[string]any) ([]byte, error) {
	return json.Marshal(data)
}
