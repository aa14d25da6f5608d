package taskqueue

import "encoding/json"

// EncodeTask JSON-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(&t)
}

// DecodeTask JSON-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
