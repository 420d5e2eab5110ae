package auth

import "testing"

func TestGenerateAPIKeyIsUnique(t *testing.T) {
	t.Parallel()

	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected two generated keys to differ")
	}
}

func TestHashAPIKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	if HashAPIKey("secret-key", "pepper") != HashAPIKey("secret-key", "pepper") {
		t.Fatal("expected HashAPIKey to be deterministic for the same key and pepper")
	}
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	t.Parallel()

	hash := HashAPIKey("secret-key", "pepper")
	if !VerifyAPIKey(hash, "secret-key", "pepper") {
		t.Fatal("expected matching key to verify")
	}
	if VerifyAPIKey(hash, "wrong-key", "pepper") {
		t.Fatal("expected mismatched key to fail verification")
	}
	if VerifyAPIKey(hash, "secret-key", "different-pepper") {
		t.Fatal("expected mismatched pepper to fail verification")
	}
}
