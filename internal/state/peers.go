package state

import (
	"sort"
	"sync"
	"time"
)

// PeerProfile is what a session knows about a connected peer beyond its
// transport-level identity: display name, avatar, and a stable user id,
// all supplied by the peer itself in its join event.
type PeerProfile struct {
	Name     string
	Avatar   string
	UID      string
	LastSeen time.Time
}

// RosterEvent is delivered to roster subscribers on membership changes.
type RosterEvent struct {
	Type   string       `json:"type"` // "update" | "remove"
	PeerID string       `json:"peer_id"`
	Peer   *PeerProfile `json:"peer,omitempty"`
}

// Roster tracks the peers currently in a session. Transport peer-set
// updates drive membership; Join events fill in profile details.
type Roster struct {
	mu        sync.Mutex
	peers     map[string]PeerProfile
	listeners []chan RosterEvent
}

func NewRoster() *Roster {
	return &Roster{peers: map[string]PeerProfile{}}
}

// Upsert records or refreshes a peer's profile.
func (r *Roster) Upsert(id, name, avatar, uid string) {
	r.mu.Lock()
	p := r.peers[id]
	if name != "" {
		p.Name = name
	}
	if avatar != "" {
		p.Avatar = avatar
	}
	if uid != "" {
		p.UID = uid
	}
	p.LastSeen = time.Now()
	r.peers[id] = p
	r.mu.Unlock()
	r.notify(RosterEvent{Type: "update", PeerID: id, Peer: &p})
}

// Touch refreshes a peer's liveness without changing its profile.
func (r *Roster) Touch(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		p.LastSeen = time.Now()
		r.peers[id] = p
	}
	r.mu.Unlock()
}

// Remove drops a peer from the roster.
func (r *Roster) Remove(id string) {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if ok {
		r.notify(RosterEvent{Type: "remove", PeerID: id})
	}
}

// SetMembers reconciles the roster against the transport's peer set:
// unknown members are added with empty profiles, vanished ones removed.
func (r *Roster) SetMembers(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	r.mu.Lock()
	var added, removed []string
	for _, id := range ids {
		if _, ok := r.peers[id]; !ok {
			r.peers[id] = PeerProfile{LastSeen: time.Now()}
			added = append(added, id)
		}
	}
	for id := range r.peers {
		if !want[id] {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range added {
		p := r.Get(id)
		r.notify(RosterEvent{Type: "update", PeerID: id, Peer: &p})
	}
	for _, id := range removed {
		r.notify(RosterEvent{Type: "remove", PeerID: id})
	}
}

// Get returns the profile for a peer (zero value if unknown).
func (r *Roster) Get(id string) PeerProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

// IDs returns the sorted peer ids currently in the roster.
func (r *Roster) IDs() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Names returns a copy of the peer id → display name map.
func (r *Roster) Names() map[string]string {
	return r.collect(func(p PeerProfile) string { return p.Name })
}

// Avatars returns a copy of the peer id → avatar map.
func (r *Roster) Avatars() map[string]string {
	return r.collect(func(p PeerProfile) string { return p.Avatar })
}

// UIDs returns a copy of the peer id → user id map.
func (r *Roster) UIDs() map[string]string {
	return r.collect(func(p PeerProfile) string { return p.UID })
}

func (r *Roster) collect(f func(PeerProfile) string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.peers))
	for id, p := range r.peers {
		if v := f(p); v != "" {
			out[id] = v
		}
	}
	return out
}

// Clear empties the roster without notifying listeners. Used on teardown.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.peers = map[string]PeerProfile{}
	r.mu.Unlock()
}

// Subscribe returns a channel receiving roster events. Slow listeners
// miss events rather than blocking the roster.
func (r *Roster) Subscribe() <-chan RosterEvent {
	ch := make(chan RosterEvent, 16)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

func (r *Roster) notify(evt RosterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
