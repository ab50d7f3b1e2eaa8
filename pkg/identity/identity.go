// Package identity loads per-instance identity files.
//
// Identity generation is handled elsewhere; this package only reads the
// identity.json an instance box already carries.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Traits describes the agent's declared disposition. The temperament text
// biases mood selection; domains and thinking styles feed the system prompt.
type Traits struct {
	Temperament    string   `json:"temperament"`
	Domains        []string `json:"domains"`
	ThinkingStyles []string `json:"thinking_styles"`
}

// Identity is one agent instance's persona.
type Identity struct {
	Name   string `json:"name"`
	Traits Traits `json:"traits"`
}

// Load reads identity.json from the given box directory.
func Load(boxPath string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(boxPath, "identity.json"))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity: parse: %w", err)
	}
	if id.Name == "" {
		return nil, fmt.Errorf("identity: missing name in %s", boxPath)
	}
	return &id, nil
}

// IDFromBox derives the instance id from a box directory name:
// "coral_box" becomes "coral".
func IDFromBox(boxPath string) string {
	name := filepath.Base(boxPath)
	return strings.TrimSuffix(name, "_box")
}
