package repository

import "testing"

func TestEscapeLike(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"sunset", "sunset"},
		{"50%", `50\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{`100%_done\`, `100\%\_done\\`},
		{"", ""},
	}
	for _, tc := range cases {
		if got := escapeLike(tc.in); got != tc.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSearchPatternMatchesLiteralSubstring(t *testing.T) {
	// A term containing wildcard characters must produce a pattern that only
	// matches the term verbatim, surrounded by anything.
	if got, want := searchPattern("50%"), `%50\%%`; got != want {
		t.Fatalf("searchPattern(%q) = %q, want %q", "50%", got, want)
	}
	if got, want := searchPattern("kyoto"), "%kyoto%"; got != want {
		t.Fatalf("searchPattern(%q) = %q, want %q", "kyoto", got, want)
	}
}
