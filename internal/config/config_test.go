package config

import (
	"testing"
	"time"
)

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" lmstudio, ollama ,,openai_compat ")
	want := []string{"lmstudio", "ollama", "openai_compat"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitCSV[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if out := splitCSV(""); out != nil {
		t.Errorf("splitCSV(\"\") = %v, want nil", out)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CHATSTREAM_TEST_STR", "value")
	if got := getEnv("CHATSTREAM_TEST_STR", "fb"); got != "value" {
		t.Errorf("getEnv = %q", got)
	}
	if got := getEnv("CHATSTREAM_TEST_MISSING", "fb"); got != "fb" {
		t.Errorf("getEnv fallback = %q", got)
	}

	t.Setenv("CHATSTREAM_TEST_INT", "7")
	if got := getEnvInt("CHATSTREAM_TEST_INT", 1); got != 7 {
		t.Errorf("getEnvInt = %d", got)
	}
	t.Setenv("CHATSTREAM_TEST_INT", "junk")
	if got := getEnvInt("CHATSTREAM_TEST_INT", 1); got != 1 {
		t.Errorf("getEnvInt junk = %d, want fallback", got)
	}

	t.Setenv("CHATSTREAM_TEST_DUR", "250ms")
	if got := getEnvDuration("CHATSTREAM_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration = %s", got)
	}
	t.Setenv("CHATSTREAM_TEST_DUR", "junk")
	if got := getEnvDuration("CHATSTREAM_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("getEnvDuration junk = %s, want fallback", got)
	}
}
