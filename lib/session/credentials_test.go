// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCredentialFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "b2fs.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadCredentials(t *testing.T) {
	path := writeCredentialFile(t, "account_id: abc123\napp_key: verysecret\n")

	creds, err := LoadCredentials(path, testLogger())
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.AccountID != "abc123" {
		t.Errorf("AccountID = %q, want %q", creds.AccountID, "abc123")
	}
	if creds.AppKey != "verysecret" {
		t.Errorf("AppKey = %q, want %q", creds.AppKey, "verysecret")
	}
}

func TestLoadCredentialsKeyOrderIrrelevant(t *testing.T) {
	path := writeCredentialFile(t, "app_key: verysecret\naccount_id: abc123\n")

	creds, err := LoadCredentials(path, testLogger())
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.AccountID != "abc123" || creds.AppKey != "verysecret" {
		t.Fatalf("LoadCredentials = %+v, want both fields populated", creds)
	}
}

func TestLoadCredentialsUnknownKeysSkipped(t *testing.T) {
	path := writeCredentialFile(t, "account_id: abc123\nbucket: photos\napp_key: verysecret\n")

	creds, err := LoadCredentials(path, testLogger())
	if err != nil {
		t.Fatalf("LoadCredentials with extra key: %v", err)
	}
	if creds.AccountID != "abc123" || creds.AppKey != "verysecret" {
		t.Fatalf("LoadCredentials = %+v, want known fields despite extra key", creds)
	}
}

func TestLoadCredentialsNonStringValueSkipped(t *testing.T) {
	path := writeCredentialFile(t, "account_id:\n  - part1\napp_key: verysecret\n")

	creds, err := LoadCredentials(path, testLogger())
	if err != nil {
		t.Fatalf("LoadCredentials with non-string value: %v", err)
	}
	if creds.AccountID != "" {
		t.Errorf("AccountID = %q, want empty for non-string value", creds.AccountID)
	}
	if creds.AppKey != "verysecret" {
		t.Errorf("AppKey = %q, want %q", creds.AppKey, "verysecret")
	}
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.yml"), testLogger()); err == nil {
		t.Fatal("expected error for missing credential file")
	}
}

func TestLoadCredentialsMalformedYAML(t *testing.T) {
	path := writeCredentialFile(t, "account_id: [unclosed\n")

	if _, err := LoadCredentials(path, testLogger()); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestCredentialsValidate(t *testing.T) {
	cases := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"valid", Credentials{AccountID: "abc123", AppKey: "secret"}, false},
		{"missing account id", Credentials{AppKey: "secret"}, true},
		{"missing app key", Credentials{AccountID: "abc123"}, true},
		{"account id too long", Credentials{AccountID: strings.Repeat("a", MaxAccountIDLen+1), AppKey: "secret"}, true},
		{"app key too long", Credentials{AccountID: "abc123", AppKey: strings.Repeat("k", MaxAppKeyLen+1)}, true},
		{"account id at limit", Credentials{AccountID: strings.Repeat("a", MaxAccountIDLen), AppKey: "secret"}, false},
		{"app key at limit", Credentials{AccountID: "abc123", AppKey: strings.Repeat("k", MaxAppKeyLen)}, false},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.creds.Validate()
			if (err != nil) != testCase.wantErr {
				t.Fatalf("Validate() error = %v, wantErr = %v", err, testCase.wantErr)
			}
		})
	}
}

func TestCredentialsBasicAuth(t *testing.T) {
	creds := Credentials{AccountID: "abc123", AppKey: "verysecret"}
	if got := creds.BasicAuth(); got != "abc123:verysecret" {
		t.Fatalf("BasicAuth = %q, want %q", got, "abc123:verysecret")
	}
}
