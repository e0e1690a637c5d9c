package passphrase

import (
	"errors"
	"strings"
	"testing"
)

func scripted(t *testing.T, s *Source, answers ...string) *int {
	t.Helper()
	calls := 0
	s.prompt = func(string) (string, error) {
		if calls >= len(answers) {
			t.Fatalf("unexpected prompt %d", calls+1)
		}
		answer := answers[calls]
		calls++
		return answer, nil
	}
	return &calls
}

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("BRIDGE_TEST_PASSPHRASE", "from-env")
	s := NewSource("BRIDGE_TEST_PASSPHRASE")
	calls := scripted(t, s)
	value, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "from-env" || *calls != 0 {
		t.Fatalf("expected env value without prompting, got %q after %d prompts", value, *calls)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("BRIDGE_TEST_PASSPHRASE", "   ")
	if _, err := NewSource("BRIDGE_TEST_PASSPHRASE").Get(); err == nil {
		t.Fatalf("expected blank env passphrase to fail")
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s := NewSource("")
	calls := scripted(t, s, "hunter2")
	for i := 0; i < 2; i++ {
		value, err := s.Get()
		if err != nil || value != "hunter2" {
			t.Fatalf("get %d: %q %v", i, value, err)
		}
	}
	if *calls != 1 {
		t.Fatalf("expected one prompt, got %d", *calls)
	}
}

func TestSourceConfirmationMismatch(t *testing.T) {
	s := NewSource("", WithConfirmation(), WithLabel("import passphrase"))
	scripted(t, s, "first", "second")
	_, err := s.Get()
	if err == nil || !strings.Contains(err.Error(), "import passphrase entries do not match") {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s := NewSource("BRIDGE_TEST_UNSET_PASSPHRASE")
	s.prompt = func(string) (string, error) { return "", errNoTerminal }
	_, err := s.Get()
	if err == nil || !strings.Contains(err.Error(), "BRIDGE_TEST_UNSET_PASSPHRASE") {
		t.Fatalf("expected hint naming the env var, got %v", err)
	}
	if errors.Is(err, errNoTerminal) {
		t.Fatalf("internal sentinel should not leak")
	}
}
