package wgkey_test

import (
	"testing"

	"github.com/hwbridge/devshared/internal/wgkey"
)

func TestGenerate(t *testing.T) {
	kp, err := wgkey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	priv := kp.PrivateKeyBase64()
	pub := kp.PublicKeyBase64()

	if priv == "" || pub == "" {
		t.Fatal("expected non-empty encoded keys")
	}
	if priv == pub {
		t.Error("private and public key encodings must differ")
	}
}

func TestGenerateUnique(t *testing.T) {
	kp1, err := wgkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	kp2, err := wgkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if kp1.PublicKeyBase64() == kp2.PublicKeyBase64() {
		t.Error("two generated keys produced the same public key")
	}
}
