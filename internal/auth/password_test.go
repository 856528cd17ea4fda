package auth

import (
	"strings"
	"testing"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.Contains(hash, "$") {
		t.Fatalf("hash missing salt separator: %q", hash)
	}
	if !VerifyPassword(hash, "hunter2") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(hash, "hunter3") {
		t.Error("wrong password accepted")
	}
}

func TestPasswordUniqueSalts(t *testing.T) {
	a, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two hashes of the same password share a salt")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	if VerifyPassword("not-a-hash", "x") {
		t.Error("malformed hash accepted")
	}
	if VerifyPassword("zz$deadbeef", "x") {
		t.Error("bad salt hex accepted")
	}
}
