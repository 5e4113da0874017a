package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	ok, err := CheckPassword("s3cret", hash)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Error("correct password should match")
	}

	ok, err = CheckPassword("wrong", hash)
	if err != nil {
		t.Fatalf("check wrong: %v", err)
	}
	if ok {
		t.Error("wrong password should not match")
	}
}

func TestCheckPasswordMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
	} {
		if _, err := CheckPassword("pw", encoded); err == nil {
			t.Errorf("CheckPassword(%q) should fail", encoded)
		}
	}
}

func TestStoreLogins(t *testing.T) {
	s := NewStore()
	if err := s.AddUser("default", "alice", "pw1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	pw, ok := s.SIPPassword("default", "alice")
	if !ok || pw != "pw1" {
		t.Fatalf("SIPPassword = %q, %v", pw, ok)
	}
	if _, ok := s.SIPPassword("default", "bob"); ok {
		t.Error("unknown user should miss")
	}
	if _, ok := s.SIPPassword("other", "alice"); ok {
		t.Error("wrong service should miss")
	}

	user, ok := s.VertoLogin("default", "alice@example.org", "pw1")
	if !ok || user != "alice" {
		t.Fatalf("VertoLogin = %q, %v", user, ok)
	}
	if _, ok := s.VertoLogin("default", "alice", "bad"); ok {
		t.Error("wrong password should be refused")
	}
}

func TestLoadUsers(t *testing.T) {
	s := NewStore()
	if err := s.LoadUsers("default", "alice:pw1, bob:pw2"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
	if err := s.LoadUsers("default", "broken-entry"); err == nil {
		t.Error("entry without a colon should fail")
	}
}
