package secretmasker

import "testing"

func TestMaskSingleSecret(t *testing.T) {
	m := New()
	m.Add("password123")
	if got := m.Mask("my password123 is here"); got != "my *** is here" {
		t.Errorf("got %q", got)
	}
}

func TestMaskMultipleSecrets(t *testing.T) {
	m := New()
	m.Add("secret1")
	m.Add("secret2")
	if got := m.Mask("secret1 and secret2 values"); got != "*** and *** values" {
		t.Errorf("got %q", got)
	}
}

func TestMaskLongerSecretWinsOverSubstring(t *testing.T) {
	m := New()
	m.Add("pass")
	m.Add("password")
	if got := m.Mask("my password is here"); got != "my *** is here" {
		t.Errorf("got %q", got)
	}
}

func TestEmptyAndWhitespaceIgnored(t *testing.T) {
	m := New()
	m.Add("")
	m.Add("   ")
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	m := New()
	m.Add("hunter2")
	m.Add("hunter2")
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestNoSecretsPassthrough(t *testing.T) {
	m := New()
	if got := m.Mask("hello world"); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestShortInputBelowMinLenPassesThrough(t *testing.T) {
	m := New()
	m.Add("verylongsecretvalue")
	if got := m.Mask("hi"); got != "hi" {
		t.Errorf("got %q", got)
	}
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	m := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Add("s")
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		m.Mask("some line with s in it")
	}
	<-done
}
