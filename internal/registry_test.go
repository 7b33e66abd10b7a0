package internal

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry("admin")
	alice := newSession(nil, "alice", 1, false)
	registry.Register(alice)

	got, ok := registry.Lookup("alice")
	if !ok || got.ID != alice.ID {
		t.Fatalf("expected to find alice, got %v ok=%v", got, ok)
	}
	if _, ok := registry.Lookup("bob"); ok {
		t.Fatalf("did not expect to find bob")
	}
	if registry.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", registry.Count())
	}
}

func TestRegistryModeratorClaimAndRelease(t *testing.T) {
	registry := NewRegistry("admin")
	mod := newSession(nil, "admin", 1, true)
	registry.Register(mod)
	if !mod.IsModerator {
		t.Fatalf("expected first admin session to claim the moderator role")
	}
	if !registry.ModeratorOnline() {
		t.Fatalf("expected moderator online")
	}

	// a second session under the moderator name must not claim the role
	imposter := newSession(nil, "admin", 1, true)
	registry.Register(imposter)
	if imposter.IsModerator {
		t.Fatalf("second session must not claim the moderator role")
	}

	if was := registry.Unregister(imposter.ID); was {
		t.Fatalf("imposter was not the moderator")
	}
	if !registry.ModeratorOnline() {
		t.Fatalf("moderator should still be online")
	}
	if was := registry.Unregister(mod.ID); !was {
		t.Fatalf("expected moderator release on unregister")
	}
	if registry.ModeratorOnline() {
		t.Fatalf("expected moderator offline after release")
	}
}

func TestRegistryDuplicateLoginSupersedes(t *testing.T) {
	registry := NewRegistry("admin")
	first := newSession(nil, "alice", 1, false)
	second := newSession(nil, "alice", 1, false)
	registry.Register(first)
	registry.Register(second)

	got, ok := registry.Lookup("alice")
	if !ok || got.ID != second.ID {
		t.Fatalf("expected the newer session to own the username")
	}

	// the older session leaving must not break the newer link
	registry.Unregister(first.ID)
	got, ok = registry.Lookup("alice")
	if !ok || got.ID != second.ID {
		t.Fatalf("expected the newer link to survive the older session leaving")
	}

	registry.Unregister(second.ID)
	if _, ok := registry.Lookup("alice"); ok {
		t.Fatalf("expected the username free after the owner left")
	}
}

func TestRegistryUsernamesAndSnapshot(t *testing.T) {
	registry := NewRegistry("admin")
	registry.Register(newSession(nil, "alice", 1, false))
	registry.Register(newSession(nil, "bob", 2, false))

	names := registry.Usernames()
	if len(names) != 2 {
		t.Fatalf("expected 2 usernames, got %v", names)
	}
	if len(registry.Snapshot()) != 2 {
		t.Fatalf("expected 2 sessions in snapshot")
	}
}

func TestDisplayNameMarksModerator(t *testing.T) {
	registry := NewRegistry("admin")
	if got := registry.DisplayName("admin"); got != "*admin" {
		t.Fatalf("expected *admin, got %q", got)
	}
	if got := registry.DisplayName("alice"); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
}
