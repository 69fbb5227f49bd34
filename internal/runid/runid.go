package runid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// ConfigHash computes a deterministic hash of any run configuration.
// Formula: SHA256(canonical JSON of cfg). Returns hex (64 characters).
// encoding/json sorts map keys, so equal configs hash equally.
func ConfigHash(cfg any) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// RunID computes a deterministic run identifier.
// Formula: SHA256(asset|config_hash|start_date|end_date).
// Returns hex-encoded hash (64 characters).
func RunID(asset, configHash, startDate, endDate string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", asset, configHash, startDate, endDate)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// TradeID computes a deterministic trade identifier within a run.
// Formula: SHA256(run_id|entry_index|exit_index).
// Returns hex-encoded hash (64 characters).
func TradeID(runID string, entryIndex, exitIndex int) string {
	data := fmt.Sprintf("%s|%d|%d", runID, entryIndex, exitIndex)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Short renders the first 8 bytes of a hex identifier as base58, for log
// lines and report headings. Invalid hex falls back to the input prefix.
func Short(id string) string {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) < 8 {
		if len(id) > 11 {
			return id[:11]
		}
		return id
	}
	return base58.Encode(raw[:8])
}
