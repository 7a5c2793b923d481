package cryptoprim

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateGroupKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ct, nonce, err := SealField(key, "default", []byte("git status"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := OpenField(key, "default", ct, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "git status" {
		t.Fatalf("got %q", pt)
	}
}

func TestOpenFieldWrongGroupFails(t *testing.T) {
	key, _ := GenerateGroupKey()
	ct, nonce, _ := SealField(key, "default", []byte("git status"))
	if _, err := OpenField(key, "work", ct, nonce); err == nil {
		t.Fatal("expected integrity failure when group (AAD) mismatches")
	}
}

func TestOpenFieldWrongKeyFails(t *testing.T) {
	key, _ := GenerateGroupKey()
	other, _ := GenerateGroupKey()
	ct, nonce, _ := SealField(key, "default", []byte("ls -lah"))
	if _, err := OpenField(other, "default", ct, nonce); err == nil {
		t.Fatal("expected integrity failure under non-member key")
	}
}

func TestWrapUnwrapGroupKey(t *testing.T) {
	groupKey, _ := GenerateGroupKey()
	recipient, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	wrapped, err := WrapGroupKey(groupKey, recipient.Public)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	unwrapped, err := UnwrapGroupKey(wrapped, recipient.Private)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if string(unwrapped) != string(groupKey) {
		t.Fatal("unwrapped key does not match original")
	}
}

func TestWrapUnwrapGroupKeyWrongRecipientFails(t *testing.T) {
	groupKey, _ := GenerateGroupKey()
	recipient, _ := GenerateIdentity()
	impostor, _ := GenerateIdentity()
	wrapped, _ := WrapGroupKey(groupKey, recipient.Public)
	if _, err := UnwrapGroupKey(wrapped, impostor.Private); err == nil {
		t.Fatal("expected unwrap failure for non-recipient private key")
	}
}

func TestSelfTest(t *testing.T) {
	key, _ := GenerateGroupKey()
	if err := SelfTest(key); err != nil {
		t.Fatalf("self-test: %v", err)
	}
}
