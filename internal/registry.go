package internal

import "sync"

// Registry tracks every live session and the username↔session mapping. All
// mutations go through one mutex; iteration for fan-out works on a copied
// snapshot so a session closing mid-broadcast cannot corrupt the loop.
type Registry struct {
	mu            sync.Mutex
	moderatorName string
	sessions      map[SessionID]*Session
	byUsername    map[string]SessionID
	moderator     SessionID // empty while the role is unclaimed
}

func NewRegistry(moderatorName string) *Registry {
	return &Registry{
		moderatorName: moderatorName,
		sessions:      make(map[SessionID]*Session),
		byUsername:    make(map[string]SessionID),
	}
}

// Register inserts the session and rebinds the username to it. A second
// login under the same name supersedes the older link without closing the
// older socket. The first session under the configured moderator name claims
// the moderator role.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
	r.byUsername[sess.Username] = sess.ID
	if sess.Username == r.moderatorName && r.moderator == "" {
		r.moderator = sess.ID
		sess.IsModerator = true
	}
}

// Unregister removes the session and reports whether it held the moderator
// role, in which case the role is released. The username link is only
// removed if it still points at the departing session.
func (r *Registry) Unregister(id SessionID) (wasModerator bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	if r.byUsername[sess.Username] == id {
		delete(r.byUsername, sess.Username)
	}
	if r.moderator == id {
		r.moderator = ""
		return true
	}
	return false
}

// Lookup resolves a username to its current session.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUsername[username]
	if !ok {
		return nil, false
	}
	sess, ok := r.sessions[id]
	return sess, ok
}

// Snapshot returns a copy of all live sessions for fan-out iteration.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Usernames lists everyone currently registered.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byUsername))
	for name := range r.byUsername {
		names = append(names, name)
	}
	return names
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ModeratorOnline reports whether the moderator role is currently claimed.
func (r *Registry) ModeratorOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moderator != ""
}

// DisplayName renders a username for events, prefixing the moderator marker
// where the configured moderator would otherwise appear.
func (r *Registry) DisplayName(username string) string {
	if username == r.moderatorName {
		return ModeratorMarker + username
	}
	return username
}
