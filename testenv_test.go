package oob

import (
	"bufio"
	"os"
	"strings"
	"testing"
)

// TestMain applies .env before the suite runs so OOB_TEST_DSN can live
// in a file next to the package instead of the shell environment.
func TestMain(m *testing.M) {
	loadDotEnv(".env")
	os.Exit(m.Run())
}

// loadDotEnv sets KEY=VALUE pairs from path that are not already in the
// environment. An optional "export " prefix and one layer of matching
// quotes are stripped. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		value = value[1 : n-1]
	}
	return key, value, true
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line, key, value string
		ok               bool
	}{
		{"OOB_TEST_DSN=postgres://x", "OOB_TEST_DSN", "postgres://x", true},
		{"export A = 'b c'", "A", "b c", true},
		{`B="q"`, "B", "q", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"novalue", "", "", false},
		{"=x", "", "", false},
	}
	for _, c := range cases {
		k, v, ok := parseEnvLine(c.line)
		if k != c.key || v != c.value || ok != c.ok {
			t.Errorf("parseEnvLine(%q) = %q, %q, %v; want %q, %q, %v", c.line, k, v, ok, c.key, c.value, c.ok)
		}
	}
}
