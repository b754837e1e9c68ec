// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Maximum credential field lengths. The remote issues account IDs and
// application keys well under these; longer values are operator error
// (a pasted token in the wrong field, shell quoting damage) and are
// rejected at load time rather than sent to the remote.
const (
	MaxAccountIDLen = 16
	MaxAppKeyLen    = 64
)

// Credentials is the long-lived account credential pair from the
// operator's config file. It is exchanged for a Session once per
// authentication and never written to the session cache.
type Credentials struct {
	AccountID string
	AppKey    string
}

// LoadCredentials reads a YAML credential file with two keys:
//
//	account_id: <value>
//	app_key: <value>
//
// Key order does not matter. Unrecognized keys and non-string values
// are logged and skipped, never fatal; absent fields simply stay
// empty and are caught by Validate. Unreadable or syntactically
// malformed files are errors.
func LoadCredentials(path string, logger *slog.Logger) (Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credential file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Credentials{}, fmt.Errorf("parsing credential file %s: %w", path, err)
	}

	var creds Credentials
	for key, value := range raw {
		text, ok := value.(string)
		if !ok {
			logger.Warn("credential file value is not a string, skipping",
				"path", path,
				"key", key,
			)
			continue
		}
		switch key {
		case "account_id":
			creds.AccountID = text
		case "app_key":
			creds.AppKey = text
		default:
			logger.Warn("unrecognized key in credential file, skipping",
				"path", path,
				"key", key,
			)
		}
	}

	return creds, nil
}

// Validate checks that both credential fields are present and within
// their documented bounds. Called at startup; a failure here is fatal
// since no session can ever be established.
func (c Credentials) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("credential file is missing account_id")
	}
	if len(c.AccountID) > MaxAccountIDLen {
		return fmt.Errorf("account_id is %d bytes, limit is %d", len(c.AccountID), MaxAccountIDLen)
	}
	if c.AppKey == "" {
		return fmt.Errorf("credential file is missing app_key")
	}
	if len(c.AppKey) > MaxAppKeyLen {
		return fmt.Errorf("app_key is %d bytes, limit is %d", len(c.AppKey), MaxAppKeyLen)
	}
	return nil
}

// BasicAuth returns the credential pair in the "account:key" form that
// the authorization endpoint expects in its Basic auth header.
func (c Credentials) BasicAuth() string {
	return c.AccountID + ":" + c.AppKey
}
