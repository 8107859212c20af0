package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClientIDPrefix is prepended to generated client identifiers.
const ClientIDPrefix = "ackline-"

// LoadOrCreateClientID returns the MQTT client identifier persisted in
// dataDir, generating and saving a new one on first use. Brokers key
// sessions by client id, so it must stay stable across restarts.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}

	// MQTT 3.1.1 brokers may reject ids longer than 23 bytes.
	id := ClientIDPrefix + strings.ReplaceAll(u.String(), "-", "")[:15]

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}
	return id, nil
}
