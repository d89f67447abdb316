package dnslock

import "testing"

func TestFirstNameserverIsLoopback(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"nameserver 127.0.0.1\n", true},
		{"nameserver 127.0.0.53\n", true},
		{"nameserver 8.8.8.8\n", false},
		{"# comment\nnameserver 127.0.0.1\n", true},
		{"", false},
	}
	for _, c := range cases {
		if got := firstNameserverIsLoopback(c.content); got != c.want {
			t.Fatalf("firstNameserverIsLoopback(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}
