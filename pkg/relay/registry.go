// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/n0ot/chanrelay/pkg/model"
)

// Registry is the single source of truth for who is connected and who is in which channel.
// Only the relay's dispatcher mutates it; the lock lets other goroutines inspect it.
type Registry struct {
	lock            sync.RWMutex // Protects the entire registry
	conns           map[string]*connState
	channels        map[string]*channel
	createdTime     time.Time
	maxChannels     int
	maxChannelsTime time.Time
	maxConns        int
	maxConnsTime    time.Time
	framesBroadcast atomic.Uint64 // Frames delivered to channel members by fan-out
}

// connState holds the memberships of one connection.
type connState struct {
	conn     Conn
	channels map[string]struct{}
}

// A channel relays traffic between connections using the same name.
type channel struct {
	name    string
	members []Conn
}

func (ch *channel) indexOf(id string) int {
	for i, member := range ch.members {
		if member.ID() == id {
			return i
		}
	}
	return -1
}

// A Departure describes a channel a connection left, and who is still in it.
type Departure struct {
	Channel   string
	Remaining []Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	now := time.Now()
	return &Registry{
		conns:           make(map[string]*connState),
		channels:        make(map[string]*channel),
		createdTime:     now,
		maxChannelsTime: now,
		maxConnsTime:    now,
	}
}

// Add registers a newly connected, unjoined connection.
func (reg *Registry) Add(c Conn) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, ok := reg.conns[c.ID()]; ok {
		return errors.Errorf("connection %s already registered", c.ID())
	}
	reg.conns[c.ID()] = &connState{
		conn:     c,
		channels: make(map[string]struct{}),
	}
	if len(reg.conns) > reg.maxConns {
		reg.maxConns = len(reg.conns)
		reg.maxConnsTime = time.Now()
	}
	return nil
}

// Registered reports whether c is a live connection.
func (reg *Registry) Registered(c Conn) bool {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	_, ok := reg.conns[c.ID()]
	return ok
}

// Join adds c to the named channel, creating the channel if it doesn't already exist.
// Earlier memberships are kept. Joining a channel c is already in changes nothing.
func (reg *Registry) Join(c Conn, name string) (string, error) {
	if name == "" {
		return "", model.ErrInvalidChannelName
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()

	state, ok := reg.conns[c.ID()]
	if !ok {
		return "", errors.Errorf("connection %s not registered", c.ID())
	}

	ch, ok := reg.channels[name]
	if !ok {
		// Assume a new channel is being made because at least one connection wants to join it.
		ch = &channel{name: name, members: make([]Conn, 0, 1)}
		reg.channels[name] = ch
		if len(reg.channels) > reg.maxChannels {
			reg.maxChannels = len(reg.channels)
			reg.maxChannelsTime = time.Now()
		}
	}
	if ch.indexOf(c.ID()) < 0 {
		ch.members = append(ch.members, c)
	}
	state.channels[name] = struct{}{}
	return name, nil
}

// IsMember reports whether c is in the named channel.
func (reg *Registry) IsMember(c Conn, name string) bool {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	state, ok := reg.conns[c.ID()]
	if !ok {
		return false
	}
	_, ok = state.channels[name]
	return ok
}

// Broadcast sends every writable member of the named channel for which include returns true
// the frame built for it. A nil include matches every member.
// Closed or closing members are skipped; send errors are returned, not acted on.
func (reg *Registry) Broadcast(name string, include func(Conn) bool, frame func(Conn) []byte) []SendFailure {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	ch, ok := reg.channels[name]
	if !ok {
		return nil
	}
	delivered, failures := deliverAll(ch.members, include, frame)
	reg.framesBroadcast.Add(uint64(delivered))
	return failures
}

// BroadcastTo is like Broadcast, but for a member list taken earlier,
// such as the Remaining members of a Departure.
func (reg *Registry) BroadcastTo(members []Conn, frame []byte) []SendFailure {
	delivered, failures := deliverAll(members, nil, func(Conn) []byte { return frame })
	reg.framesBroadcast.Add(uint64(delivered))
	return failures
}

// Leave removes c from every channel it is in.
// Channels left empty are removed. Leave is idempotent.
func (reg *Registry) Leave(c Conn) []Departure {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	return reg.leave(c)
}

// Remove removes c from every channel, then forgets it.
// Remove is idempotent.
func (reg *Registry) Remove(c Conn) []Departure {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	departures := reg.leave(c)
	delete(reg.conns, c.ID())
	return departures
}

func (reg *Registry) leave(c Conn) []Departure {
	state, ok := reg.conns[c.ID()]
	if !ok || len(state.channels) == 0 {
		return nil
	}

	names := make([]string, 0, len(state.channels))
	for name := range state.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	departures := make([]Departure, 0, len(names))
	for _, name := range names {
		ch, ok := reg.channels[name]
		if !ok {
			continue
		}
		if i := ch.indexOf(c.ID()); i >= 0 {
			ch.members = append(ch.members[:i], ch.members[i+1:]...)
		}
		remaining := make([]Conn, len(ch.members))
		copy(remaining, ch.members)
		departures = append(departures, Departure{Channel: name, Remaining: remaining})

		if len(ch.members) == 0 {
			delete(reg.channels, name)
		}
	}

	state.channels = make(map[string]struct{})
	return departures
}

// Members returns a snapshot of the named channel's members, in join order.
func (reg *Registry) Members(name string) []Conn {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	ch, ok := reg.channels[name]
	if !ok {
		return nil
	}
	members := make([]Conn, len(ch.members))
	copy(members, ch.members)
	return members
}

// Size returns the number of members in the named channel.
func (reg *Registry) Size(name string) int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	ch, ok := reg.channels[name]
	if !ok {
		return 0
	}
	return len(ch.members)
}

// Channels returns the names of all non-empty channels, sorted.
func (reg *Registry) Channels() []string {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	names := make([]string, 0, len(reg.channels))
	for name := range reg.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelsOf returns the channels c is a member of, sorted.
func (reg *Registry) ChannelsOf(c Conn) []string {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	state, ok := reg.conns[c.ID()]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(state.channels))
	for name := range state.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	NumConns        int           `json:"num_connections"`
	MaxConns        int           `json:"max_connections"`
	MaxConnsTime    time.Time     `json:"max_connections_at"`
	FramesBroadcast uint64        `json:"frames_broadcast"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		Uptime:          time.Since(reg.createdTime),
		NumChannels:     len(reg.channels),
		MaxChannels:     reg.maxChannels,
		MaxChannelsTime: reg.maxChannelsTime,
		NumConns:        len(reg.conns),
		MaxConns:        reg.maxConns,
		MaxConnsTime:    reg.maxConnsTime,
		FramesBroadcast: reg.framesBroadcast.Load(),
	}
}
