package kvstore

import (
	"bytes"
	"testing"
)

func TestSetGetDel(t *testing.T) {
	s := New()

	if got := s.Apply(1, []byte("SET name alice")); !bytes.Equal(got, []byte("OK")) {
		t.Fatalf("SET = %q", got)
	}
	if got := s.Apply(2, []byte("GET name")); !bytes.Equal(got, []byte("alice")) {
		t.Fatalf("GET = %q", got)
	}
	if got := s.Apply(3, []byte("DEL name")); !bytes.Equal(got, []byte("OK")) {
		t.Fatalf("DEL = %q", got)
	}
	if got := s.Apply(4, []byte("GET name")); !bytes.Equal(got, []byte("(nil)")) {
		t.Fatalf("GET after DEL = %q", got)
	}
	if got := s.Apply(5, []byte("DEL name")); !bytes.Equal(got, []byte("(nil)")) {
		t.Fatalf("DEL absent = %q", got)
	}
	if s.Applied() != 5 {
		t.Fatalf("applied = %d, want 5", s.Applied())
	}
}

func TestValuesMayContainSpaces(t *testing.T) {
	s := New()
	s.Apply(1, []byte("SET motd hello brave new world"))
	v, ok := s.Get("motd")
	if !ok || !bytes.Equal(v, []byte("hello brave new world")) {
		t.Fatalf("Get = %q, %v", v, ok)
	}
}

func TestMalformedCommands(t *testing.T) {
	s := New()
	cases := []struct {
		op   string
		want string
	}{
		{"", "ERR unknown command"},
		{"PING", "ERR unknown command"},
		{"SET onlykey", "ERR wrong number of arguments"},
		{"GET", "ERR wrong number of arguments"},
		{"GET a b", "ERR wrong number of arguments"},
		{"DEL", "ERR wrong number of arguments"},
	}
	for _, tc := range cases {
		if got := s.Apply(1, []byte(tc.op)); !bytes.Equal(got, []byte(tc.want)) {
			t.Errorf("Apply(%q) = %q, want %q", tc.op, got, tc.want)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("malformed commands mutated state: %d keys", s.Len())
	}
}

func TestDeterministicAcrossReplicas(t *testing.T) {
	ops := [][]byte{
		[]byte("SET a 1"),
		[]byte("SET b 2"),
		[]byte("DEL a"),
		[]byte("GET b"),
		[]byte("SET b 3"),
	}

	a, b := New(), New()
	for i, op := range ops {
		ra := a.Apply(uint64(i+1), op)
		rb := b.Apply(uint64(i+1), op)
		if !bytes.Equal(ra, rb) {
			t.Fatalf("replicas diverged at op %d: %q vs %q", i+1, ra, rb)
		}
	}
	if a.Len() != b.Len() {
		t.Fatalf("replica sizes diverged: %d vs %d", a.Len(), b.Len())
	}
}
