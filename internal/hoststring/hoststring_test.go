package hoststring

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Spec
	}{
		{"host", Spec{User: "", Host: "host", Port: 22}},
		{"@host", Spec{User: "", Host: "host", Port: 22}},
		{"host:", Spec{User: "", Host: "host:", Port: 22}},
		{"host:abcd", Spec{User: "", Host: "host:abcd", Port: 22}},
		{"user@host:1234", Spec{User: "user", Host: "host", Port: 1234}},
		{"a@b@host:22", Spec{User: "a@b", Host: "host", Port: 22}},
		{"user@host", Spec{User: "user", Host: "host", Port: 22}},
	}

	for _, c := range cases {
		got := Parse(c.in)
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	s := Spec{User: "user", Host: "host", Port: 1234}
	if got := Parse(s.String()); got != s {
		t.Errorf("Parse(String()) = %+v, want %+v", got, s)
	}
}

func TestHasUser(t *testing.T) {
	if Parse("host").HasUser() {
		t.Error("HasUser() = true for bare host")
	}
	if !Parse("user@host").HasUser() {
		t.Error("HasUser() = false for user@host")
	}
}
