// Package channel tracks which identities belong to which rooms and groups.
package channel

import (
	"sort"
	"sync"
)

// Channel name prefixes
const (
	GroupPrefix = "group_"
	RoomPrefix  = "room_"
)

// GroupChannel derives the channel id of a group
func GroupChannel(groupID string) string {
	return GroupPrefix + groupID
}

// RoomChannel derives the channel id of a room
func RoomChannel(roomID string) string {
	return RoomPrefix + roomID
}

// Membership is the set of members of every channel, plus the reverse index
// used to leave all channels at once. Join and Leave are idempotent.
type Membership struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel id -> identities
	joined   map[string]map[string]struct{} // identity -> channel ids
}

// NewMembership creates an empty membership table
func NewMembership() *Membership {
	return &Membership{
		channels: make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Join adds identity to channelID. It returns false if it was already a member.
func (m *Membership) Join(channelID, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.channels[channelID]
	if !ok {
		members = make(map[string]struct{})
		m.channels[channelID] = members
	}
	if _, exists := members[identity]; exists {
		return false
	}
	members[identity] = struct{}{}

	chans, ok := m.joined[identity]
	if !ok {
		chans = make(map[string]struct{})
		m.joined[identity] = chans
	}
	chans[channelID] = struct{}{}
	return true
}

// Leave removes identity from channelID. It returns false if it was not a member.
func (m *Membership) Leave(channelID, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(channelID, identity)
}

func (m *Membership) leaveLocked(channelID, identity string) bool {
	members, ok := m.channels[channelID]
	if !ok {
		return false
	}
	if _, exists := members[identity]; !exists {
		return false
	}

	delete(members, identity)
	if len(members) == 0 {
		delete(m.channels, channelID)
	}
	if chans, ok := m.joined[identity]; ok {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(m.joined, identity)
		}
	}
	return true
}

// LeaveAll removes identity from every channel and returns the channels it left
func (m *Membership) LeaveAll(identity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	chans := make([]string, 0, len(m.joined[identity]))
	for channelID := range m.joined[identity] {
		chans = append(chans, channelID)
	}
	for _, channelID := range chans {
		m.leaveLocked(channelID, identity)
	}

	sort.Strings(chans)
	return chans
}

// MembersOf returns the members of channelID in sorted order
func (m *Membership) MembersOf(channelID string) []string {
	m.mu.RLock()
	members := make([]string, 0, len(m.channels[channelID]))
	for id := range m.channels[channelID] {
		members = append(members, id)
	}
	m.mu.RUnlock()

	sort.Strings(members)
	return members
}

// IsMember reports whether identity belongs to channelID
func (m *Membership) IsMember(channelID, identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID][identity]
	return ok
}

// ChannelsOf returns the channels identity belongs to, sorted
func (m *Membership) ChannelsOf(identity string) []string {
	m.mu.RLock()
	chans := make([]string, 0, len(m.joined[identity]))
	for channelID := range m.joined[identity] {
		chans = append(chans, channelID)
	}
	m.mu.RUnlock()

	sort.Strings(chans)
	return chans
}

// Count returns the number of non-empty channels
func (m *Membership) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}
