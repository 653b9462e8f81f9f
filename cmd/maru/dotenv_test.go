// ABOUTME: Tests for the .env file loader that reads KEY=VALUE pairs into the process environment.
// ABOUTME: Covers plain values, quoted values, comments, export prefixes, and no-clobber behavior.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	path := writeTempEnv(t, "MARU_TEST_A=hello\nMARU_TEST_B=world\n")
	clearEnv(t, "MARU_TEST_A", "MARU_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_A"); got != "hello" {
		t.Errorf("expected MARU_TEST_A=hello, got %q", got)
	}
	if got := os.Getenv("MARU_TEST_B"); got != "world" {
		t.Errorf("expected MARU_TEST_B=world, got %q", got)
	}
}

func TestLoadDotEnvQuotedValues(t *testing.T) {
	path := writeTempEnv(t, "MARU_TEST_DQ=\"double quoted\"\nMARU_TEST_SQ='single quoted'\n")
	clearEnv(t, "MARU_TEST_DQ", "MARU_TEST_SQ")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_DQ"); got != "double quoted" {
		t.Errorf("expected double quoted value, got %q", got)
	}
	if got := os.Getenv("MARU_TEST_SQ"); got != "single quoted" {
		t.Errorf("expected single quoted value, got %q", got)
	}
}

func TestLoadDotEnvSkipsCommentsAndBlanks(t *testing.T) {
	path := writeTempEnv(t, "# comment line\n\nMARU_TEST_C=value\n# another\n")
	clearEnv(t, "MARU_TEST_C")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_C"); got != "value" {
		t.Errorf("expected MARU_TEST_C=value, got %q", got)
	}
}

func TestLoadDotEnvExportPrefix(t *testing.T) {
	path := writeTempEnv(t, "export MARU_TEST_E=exported\n")
	clearEnv(t, "MARU_TEST_E")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_E"); got != "exported" {
		t.Errorf("expected export prefix to be stripped, got %q", got)
	}
}

func TestLoadDotEnvDoesNotClobber(t *testing.T) {
	path := writeTempEnv(t, "MARU_TEST_K=from-file\n")
	t.Setenv("MARU_TEST_K", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_K"); got != "from-env" {
		t.Errorf("existing environment must win, got %q", got)
	}
}

func TestLoadDotEnvValueWithEquals(t *testing.T) {
	path := writeTempEnv(t, "MARU_TEST_EQ=a=b=c\n")
	clearEnv(t, "MARU_TEST_EQ")

	loadDotEnv(path)

	if got := os.Getenv("MARU_TEST_EQ"); got != "a=b=c" {
		t.Errorf("expected value with equals preserved, got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must not panic or error.
	loadDotEnv(filepath.Join(t.TempDir(), "no-such.env"))
}
