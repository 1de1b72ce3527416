package creds

import "testing"

func TestPasswordPrefersSessionToken(t *testing.T) {
	c := New("alice", "hunter2")
	if got := c.Password(); got != "hunter2" {
		t.Fatalf("Password() = %q, want %q", got, "hunter2")
	}
	c.SetSessionToken("session-abc")
	if got := c.Password(); got != "session-abc" {
		t.Fatalf("Password() after SetSessionToken = %q, want %q", got, "session-abc")
	}
}

func TestSecretStringRedacts(t *testing.T) {
	s := secret("hunter2")
	if got := s.String(); got != "<redacted>" {
		t.Fatalf("String() = %q, want <redacted>", got)
	}
	if got := secret(nil).String(); got != "" {
		t.Fatalf("String() on empty secret = %q, want empty", got)
	}
}

func TestDynamicChallengeCookieRoundTrip(t *testing.T) {
	raw := "CRV1:2:1234567890:dGVzdHVzZXI=:RW50ZXIgeW91ciBPVFA="
	cookie, err := ParseDynamicChallengeCookie(raw)
	if err != nil {
		t.Fatalf("ParseDynamicChallengeCookie: %v", err)
	}
	if !cookie.ResponseRequired {
		t.Fatalf("ResponseRequired = false, want true")
	}
	if cookie.Echo {
		t.Fatalf("Echo = true, want false")
	}
	if cookie.StateID != "1234567890" {
		t.Fatalf("StateID = %q, want %q", cookie.StateID, "1234567890")
	}
	if cookie.Username != "testuser" {
		t.Fatalf("Username = %q, want %q", cookie.Username, "testuser")
	}
	if cookie.ChallengeText != "Enter your OTP" {
		t.Fatalf("ChallengeText = %q, want %q", cookie.ChallengeText, "Enter your OTP")
	}

	reencoded, err := ParseDynamicChallengeCookie(cookie.Encode())
	if err != nil {
		t.Fatalf("re-parsing Encode() output: %v", err)
	}
	if *reencoded != *cookie {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *reencoded, *cookie)
	}
}

func TestParseDynamicChallengeCookieRejectsGarbage(t *testing.T) {
	cases := []string{
		"not-a-cookie",
		"CRV1:only:two",
		"CRV1:zz:1:dGVzdA==:dGVzdA==",
	}
	for _, raw := range cases {
		if _, err := ParseDynamicChallengeCookie(raw); err == nil {
			t.Errorf("ParseDynamicChallengeCookie(%q) = nil error, want error", raw)
		}
	}
}
