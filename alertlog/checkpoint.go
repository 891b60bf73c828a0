package alertlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// Checkpoint keys. Writers are the poller and execution engine; external
// dashboards read the same rows.
const (
	keyLastSeenID = "last_seen_id"
	keyPositions  = "positions"
)

// PositionSnapshot is the externally readable view of one symbol's exposure.
type PositionSnapshot struct {
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

func (l *Log) saveCheckpoint(key, value string) error {
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO checkpoint (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

func (l *Log) loadCheckpoint(key string) (string, bool, error) {
	var value string
	err := l.db.QueryRow(`SELECT value FROM checkpoint WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return value, true, nil
}

// SaveLastSeenID persists the poller's resume point.
func (l *Log) SaveLastSeenID(id int64) error {
	return l.saveCheckpoint(keyLastSeenID, strconv.FormatInt(id, 10))
}

// LoadLastSeenID returns the persisted resume point, or 0 when absent.
func (l *Log) LoadLastSeenID() (int64, error) {
	raw, ok, err := l.loadCheckpoint(keyLastSeenID)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last seen id %q: %w", raw, err)
	}
	return id, nil
}

// SavePositions checkpoints per-symbol exposure after a fill so a restart
// reconstructs it without replaying order history.
func (l *Log) SavePositions(positions map[string]PositionSnapshot) error {
	raw, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	return l.saveCheckpoint(keyPositions, string(raw))
}

// LoadPositions returns the checkpointed exposure map; empty when absent.
func (l *Log) LoadPositions() (map[string]PositionSnapshot, error) {
	raw, ok, err := l.loadCheckpoint(keyPositions)
	if err != nil {
		return nil, err
	}
	positions := make(map[string]PositionSnapshot)
	if !ok {
		return positions, nil
	}
	if err := json.Unmarshal([]byte(raw), &positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	return positions, nil
}
