package store

import (
	"encoding/json"
	"fmt"
)

func encode(snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	return json.Marshal(snap)
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
