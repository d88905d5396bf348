package sanitize

import "testing"

func TestCleanEscapesMarkup(t *testing.T) {
	s, err := New(nil, 0)
	if err != nil {
		t.Fatalf("new sanitizer: %v", err)
	}

	got := s.Clean(`  <script>alert("x")</script> hi  `)
	want := `&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt; hi`
	if got != want {
		t.Fatalf("clean mismatch:\n got: %q\nwant: %q", got, want)
	}
	if s.Clean("   ") != "" {
		t.Fatal("whitespace-only text should clean to empty")
	}
}

func TestCleanCensorsCaseInsensitive(t *testing.T) {
	s, err := New([]string{"darn", " heck "}, '#')
	if err != nil {
		t.Fatalf("new sanitizer: %v", err)
	}

	got := s.Clean("Oh DARN it, what the Heck")
	want := "Oh #### it, what the ####"
	if got != want {
		t.Fatalf("censor mismatch: got %q want %q", got, want)
	}
	if got := s.Clean("all fine"); got != "all fine" {
		t.Fatalf("clean text changed: %q", got)
	}
}

func TestCensorThenEscape(t *testing.T) {
	s, err := New([]string{"bad"}, 0)
	if err != nil {
		t.Fatalf("new sanitizer: %v", err)
	}

	if got := s.Clean("<b>bad</b>"); got != "&lt;b&gt;***&lt;/b&gt;" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestNilSanitizerOnlyEscapes(t *testing.T) {
	var s *Sanitizer
	if got := s.Clean("a & b"); got != "a &amp; b" {
		t.Fatalf("unexpected output: %q", got)
	}
}
