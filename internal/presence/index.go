package presence

import "sync"

// ChannelSnapshot is the broadcast view of one voice channel's members.
type ChannelSnapshot struct {
	ChannelID string     `json:"channel_id"`
	Users     []UserView `json:"users"`
}

type channelEntry struct {
	connID string
	user   UserView
}

// ChannelIndex is the voice channel membership index: per channel, an
// ordered set of (connection, user) tuples. Every mutation returns a
// snapshot of every non-empty channel, plus one final empty snapshot for a
// channel that just drained, so clients can rebuild global state from any
// single update burst.
type ChannelIndex struct {
	mu       sync.Mutex
	channels map[string][]channelEntry
	byConn   map[string]string // conn id -> channel id
}

// NewChannelIndex creates an empty membership index.
func NewChannelIndex() *ChannelIndex {
	return &ChannelIndex{
		channels: make(map[string][]channelEntry),
		byConn:   make(map[string]string),
	}
}

// Add places a connection in a channel (moving it if it was elsewhere, though
// the orchestrator never allows that without a leave) and returns the
// snapshots to broadcast.
func (ix *ChannelIndex) Add(channelID, connID string, user UserView) []ChannelSnapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var drained []string
	if prev, ok := ix.byConn[connID]; ok && prev != channelID {
		if ix.removeLocked(prev, connID) {
			drained = append(drained, prev)
		}
	}

	entries := ix.channels[channelID]
	found := false
	for i := range entries {
		if entries[i].connID == connID {
			entries[i].user = user
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, channelEntry{connID: connID, user: user})
	}
	ix.channels[channelID] = entries
	ix.byConn[connID] = channelID

	return ix.snapshotLocked(drained)
}

// Remove drops a connection from whatever channel holds it and returns the
// snapshots to broadcast. Unknown connections yield the unchanged snapshot
// set, keeping disconnect handling idempotent.
func (ix *ChannelIndex) Remove(connID string) []ChannelSnapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var drained []string
	if channelID, ok := ix.byConn[connID]; ok {
		delete(ix.byConn, connID)
		if ix.removeLocked(channelID, connID) {
			drained = append(drained, channelID)
		}
	}
	return ix.snapshotLocked(drained)
}

// removeLocked reports whether the channel became empty and was dropped.
func (ix *ChannelIndex) removeLocked(channelID, connID string) bool {
	entries := ix.channels[channelID]
	for i := range entries {
		if entries[i].connID == connID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(ix.channels, channelID)
		return true
	}
	ix.channels[channelID] = entries
	return false
}

// Channel returns the channel a connection currently sits in.
func (ix *ChannelIndex) Channel(connID string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ch, ok := ix.byConn[connID]
	return ch, ok
}

// Members returns the connection ids in a channel, join-ordered.
func (ix *ChannelIndex) Members(channelID string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := ix.channels[channelID]
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.connID)
	}
	return ids
}

// Snapshot returns one ChannelSnapshot per non-empty channel. Used for
// catch-up when a new connection comes online.
func (ix *ChannelIndex) Snapshot() []ChannelSnapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.snapshotLocked(nil)
}

// snapshotLocked builds snapshots for all non-empty channels, then appends
// one empty snapshot per just-drained channel.
func (ix *ChannelIndex) snapshotLocked(drained []string) []ChannelSnapshot {
	out := make([]ChannelSnapshot, 0, len(ix.channels)+len(drained))
	for channelID, entries := range ix.channels {
		users := make([]UserView, 0, len(entries))
		for _, e := range entries {
			users = append(users, e.user)
		}
		out = append(out, ChannelSnapshot{ChannelID: channelID, Users: users})
	}
	for _, channelID := range drained {
		out = append(out, ChannelSnapshot{ChannelID: channelID, Users: []UserView{}})
	}
	return out
}
