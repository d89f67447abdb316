package netns

import "testing"

func TestParsePIDs(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"1234\n", []int{1234}},
		{"1234\n5678\n9\n", []int{1234, 5678, 9}},
		{"  42  \n", []int{42}},
	}
	for _, c := range cases {
		got := parsePIDs(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("parsePIDs(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("parsePIDs(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}
