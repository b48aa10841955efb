package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseEnv(t *testing.T) {
	vars, err := parseEnv(strings.NewReader("" +
		"# operator keys\n" +
		"CREDIT_PRIVATE_KEY=0xabc\n" +
		"QUOTED=\"a # b\"\n" +
		"SINGLE='x'\n" +
		"EMPTY=\n" +
		"export TELEGRAM_TOKEN=tok # bot\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{
		"CREDIT_PRIVATE_KEY": "0xabc",
		"QUOTED":             "a # b",
		"SINGLE":             "x",
		"EMPTY":              "",
		"TELEGRAM_TOKEN":     "tok",
	}
	if len(vars) != len(want) {
		t.Fatalf("expected %d vars, got %v", len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Fatalf("%s expected %q, got %q", k, v, vars[k])
		}
	}
}

func TestParseEnvRejectsMalformedLine(t *testing.T) {
	_, err := parseEnv(strings.NewReader("OK=1\nnot a pair\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestLoadEnvKeepsExistingAndIgnoresMissingFile(t *testing.T) {
	t.Setenv("CREDIT_TEST_EXISTING", "existing")
	unsetEnv(t, "CREDIT_TEST_NEW")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CREDIT_TEST_EXISTING=file\nCREDIT_TEST_NEW=file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("CREDIT_TEST_EXISTING"); got != "existing" {
		t.Fatalf("expected existing value kept, got %q", got)
	}
	if got := os.Getenv("CREDIT_TEST_NEW"); got != "file" {
		t.Fatalf("expected file value, got %q", got)
	}
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
