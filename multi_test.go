package nsite_test

import (
	"errors"
	"testing"
	"testing/quick"

	. "github.com/bobg/nsite"
)

func TestMultiErr(t *testing.T) {
	var m MultiErr
	if m.ErrOrNil() != nil {
		t.Fatal("empty MultiErr should be nil as an error")
	}

	m.Add("https://a.example", nil)
	if m != nil {
		t.Fatal("adding a nil error should not allocate")
	}

	boom := errors.New("boom")
	m.Add("https://b.example", boom)
	m.Add("https://a.example", ErrNotFound)

	err := m.ErrOrNil()
	if err == nil {
		t.Fatal("got nil, want error")
	}
	const want = "error(s): https://a.example: not found; https://b.example: boom"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !errors.Is(m["https://b.example"], boom) {
		t.Error("lost the per-destination error")
	}
}

func TestRefHexRoundTrip(t *testing.T) {
	err := quick.Check(func(b []byte) bool {
		ref := RefOf(b)
		got, err := RefFromHex(ref.String())
		if err != nil {
			t.Log(err)
			return false
		}
		return got == ref
	}, nil)
	if err != nil {
		t.Error(err)
	}
}

func TestRefFromHexRejects(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855",
		"g3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
	for _, c := range cases {
		if _, err := RefFromHex(c); err == nil {
			t.Errorf("RefFromHex(%q): got no error, want one", c)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"index.html", "/index.html"},
		{"/index.html", "/index.html"},
		{"a\\b\\c.txt", "/a/b/c.txt"},
		{"a//b/./c/../d", "/a/b/d"},
		{"../../etc/passwd", "/etc/passwd"},
		{"dir/", "/dir"},
		{"", ""},
		{"/", ""},
	}
	for _, c := range cases {
		if got := NormalizePath(c.in); got != c.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	rej := &RejectionError{Dest: "wss://r.example", Message: "rate-limited: slow down"}
	var err error = &RateLimitError{RejectionError: rej}

	var gotRej *RejectionError
	if !errors.As(err, &gotRej) {
		t.Fatal("RateLimitError should unwrap to RejectionError")
	}
	if Retryable(err) {
		t.Error("rejections are not retryable")
	}

	conn := &ConnectionError{Dest: "https://s.example", Err: errors.New("timeout")}
	if !Retryable(conn) {
		t.Error("connection errors are retryable")
	}
}
