package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// persistedState is the on-disk shape. Decimals marshal as strings, so the
// file round-trips without float drift.
type persistedState struct {
	Version          int64                      `json:"version"`
	UpdatedAt        string                     `json:"updated_at"`
	Cash             decimal.Decimal            `json:"cash"`
	Positions        map[string]*Position       `json:"positions"`
	Reserved         map[string]int64           `json:"reserved"`
	Marks            map[string]decimal.Decimal `json:"marks"`
	SessionDate      string                     `json:"session_date"`
	SessionOpenValue decimal.Decimal            `json:"session_open_value"`
}

// Load restores ledger state from disk. A missing file is not an error: the
// ledger starts fresh and writes its initial state.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return l.saveLocked()
		}
		return fmt.Errorf("read ledger state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal ledger state: %w", err)
	}

	l.version = st.Version
	l.cash = st.Cash
	l.sessionDate = st.SessionDate
	l.sessionOpenValue = st.SessionOpenValue
	if st.Positions != nil {
		l.positions = st.Positions
	}
	if st.Reserved != nil {
		l.reserved = st.Reserved
	}
	if st.Marks != nil {
		l.marks = st.Marks
	}

	l.log.Info().Int64("version", l.version).Str("cash", l.cash.StringFixed(2)).
		Int("positions", len(l.positions)).Msg("ledger state restored")
	return nil
}

// saveLocked writes state atomically: temp file then rename.
func (l *Ledger) saveLocked() error {
	if l.filePath == "" {
		return nil
	}
	st := persistedState{
		Version:          l.version,
		UpdatedAt:        time.Now().UTC().Format(time.RFC3339),
		Cash:             l.cash,
		Positions:        l.positions,
		Reserved:         l.reserved,
		Marks:            l.marks,
		SessionDate:      l.sessionDate,
		SessionOpenValue: l.sessionOpenValue,
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return fmt.Errorf("create ledger state dir: %w", err)
	}
	tempPath := l.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write ledger state: %w", err)
	}
	if err := os.Rename(tempPath, l.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger state: %w", err)
	}
	return nil
}
