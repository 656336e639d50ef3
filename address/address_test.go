package address

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"a@x", false},
		{"a.b@x.example.com", false},
		{`"a b"@x`, false},
		{"", true},
		{"@x", true},
		{"a@", true},
		{"noatsign", true},
		{"a..b@x", true},
	}
	for _, c := range cases {
		a, err := Parse(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("Parse(%q): err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
		if err == nil && a.Pack() == "" {
			t.Fatalf("Parse(%q): Pack empty", c.in)
		}
	}
}

func TestLocalpartQuoting(t *testing.T) {
	lp := Localpart(`a"b`)
	if lp.String() != `"a\"b"` {
		t.Fatalf("got %q", lp.String())
	}
	if Localpart("a.b-c").String() != "a.b-c" {
		t.Fatalf("dot-string should be unquoted")
	}
}

func TestIsZero(t *testing.T) {
	var a Address
	if !a.IsZero() || a.Pack() != "" {
		t.Fatalf("zero address should pack empty")
	}
}
