package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testSecret = "bot-app-password-12345"

func TestSecretString_Formatting(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, s)
		if strings.Contains(out, testSecret) {
			t.Errorf("%s leaked the raw secret: %q", verb, out)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	payload := struct {
		Password SecretString `json:"password"`
	}{Password: SecretString(testSecret)}

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(b), testSecret) {
		t.Errorf("JSON leaked the raw secret: %s", b)
	}
	if !strings.Contains(string(b), redactedPlaceholder) {
		t.Errorf("JSON should contain the placeholder: %s", b)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want raw value", s.Unmask())
	}
	if s.IsZero() {
		t.Error("IsZero() should be false for a set secret")
	}
	if !SecretString("").IsZero() {
		t.Error("IsZero() should be true for an empty secret")
	}
}
