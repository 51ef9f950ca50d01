package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDeriveChannel(t *testing.T) {
	assert.Equal(t, "private_alice_bob", DeriveChannel("alice", "bob"))
	assert.Equal(t, "private_alice_bob", DeriveChannel("bob", "alice"))
	assert.Equal(t, "private_Ada Lovelace_Grace Hopper", DeriveChannel("Grace Hopper", "Ada Lovelace"))
}

func TestDeriveChannelSeparatorCollision(t *testing.T) {
	// The documented limitation when identities contain the separator
	assert.Equal(t, DeriveChannel("a_b", "c"), DeriveChannel("a", "b_c"))
}

func TestDeriveChannelSymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")

		if DeriveChannel(a, b) != DeriveChannel(b, a) {
			t.Fatalf("derive(%q, %q) is not symmetric", a, b)
		}
	})
}

func TestDeriveChannelInjective(t *testing.T) {
	identity := rapid.StringMatching(`[a-zA-Z0-9 .-]{1,16}`)

	rapid.Check(t, func(t *rapid.T) {
		a := identity.Draw(t, "a")
		b := identity.Draw(t, "b")
		c := identity.Draw(t, "c")
		if b == c {
			return
		}

		if DeriveChannel(a, b) == DeriveChannel(a, c) {
			t.Fatalf("derive(%q, %q) collides with derive(%q, %q)", a, b, a, c)
		}
	})
}

func TestDeriveChannelPrefix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")

		if !strings.HasPrefix(DeriveChannel(a, b), ChannelPrefix) {
			t.Fatalf("channel for %q/%q lacks prefix", a, b)
		}
	})
}
