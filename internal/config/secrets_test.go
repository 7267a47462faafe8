package config

import "testing"

func TestValidateJWTSecret(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		shouldErr bool
	}{
		{"valid secret", "a1b2c3d4e5f6g7h8i9j0k1l2m3n4o5p6", false},
		{"weak - contains 'secret'", "my-jwt-secret-key-padded-to-length-ok", true},
		{"weak - contains 'changeme'", "please-changeme-before-production-ok", true},
		{"too short", "short", true},
		{"all alphabetic", "abcdefghijklmnopqrstuvwxyzabcdef", true},
		{"all numeric", "12345678901234567890123456789012", true},
		{"repeating pattern", "abcabcabcabcabcabcabcabcabcabcab", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJWTSecret(tt.secret)
			if (err != nil) != tt.shouldErr {
				t.Errorf("ValidateJWTSecret(%q) error = %v, shouldErr %v", tt.secret, err, tt.shouldErr)
			}
		})
	}
}

func TestGenerateSecureSecret(t *testing.T) {
	secret1, err := GenerateSecureSecret(32)
	if err != nil {
		t.Fatalf("GenerateSecureSecret() error = %v", err)
	}
	secret2, err := GenerateSecureSecret(32)
	if err != nil {
		t.Fatalf("GenerateSecureSecret() error = %v", err)
	}
	if secret1 == secret2 {
		t.Error("GenerateSecureSecret() generated duplicate secrets")
	}
	if len(secret1) == 0 {
		t.Error("GenerateSecureSecret() generated empty secret")
	}

	if err := ValidateJWTSecret(secret1); err != nil {
		t.Errorf("a freshly generated secret should pass ValidateJWTSecret: %v", err)
	}
}

func TestShannonEntropyRejectsLowEntropyInput(t *testing.T) {
	if err := ValidateJWTSecret("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); err == nil {
		t.Error("expected low-entropy secret to be rejected")
	}
}
