package main

import (
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/lanikai/meshconn/internal/noise"
)

// loadOrGenerateKey reads a "priv\npub\n" base64 keypair from path, or
// generates a fresh one and writes it there if path is set but doesn't
// exist yet. An empty path always generates an ephemeral keypair.
func loadOrGenerateKey(path string) (priv, pub noise.Key, err error) {
	if path == "" {
		return noise.GenerateKey()
	}

	data, readErr := ioutil.ReadFile(path)
	if readErr == nil {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			return priv, pub, fmt.Errorf("meshconnd: %s: expected 2 lines, got %d", path, len(lines))
		}
		if priv, err = decodeKey(lines[0]); err != nil {
			return priv, pub, fmt.Errorf("meshconnd: %s: private key: %w", path, err)
		}
		if pub, err = decodeKey(lines[1]); err != nil {
			return priv, pub, fmt.Errorf("meshconnd: %s: public key: %w", path, err)
		}
		return priv, pub, nil
	}

	priv, pub, err = noise.GenerateKey()
	if err != nil {
		return priv, pub, err
	}
	contents := fmt.Sprintf("%s\n%s\n", encodeKey(priv), encodeKey(pub))
	if err := ioutil.WriteFile(path, []byte(contents), 0600); err != nil {
		return priv, pub, fmt.Errorf("meshconnd: writing %s: %w", path, err)
	}
	return priv, pub, nil
}

func encodeKey(k noise.Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func decodeKey(s string) (noise.Key, error) {
	var k noise.Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("wrong length %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
