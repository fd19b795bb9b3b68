package config

import (
	"encoding/json"
	"os"
)

// ClientConfig is the client's on-disk state: the signaling server last used.
type ClientConfig struct {
	ServerURL string `json:"server_url"`

	path string
}

// LoadClient reads the client config file, returning an empty config when
// the file does not exist yet.
func LoadClient(path string) (*ClientConfig, error) {
	cc := &ClientConfig{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cc, nil
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(b, cc); err != nil {
		return nil, err
	}
	return cc, nil
}

// Save writes the config back to the file it was loaded from.
func (cc *ClientConfig) Save() error {
	b, err := json.MarshalIndent(cc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(cc.path, b, 0600)
}
