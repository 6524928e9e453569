// Package room tracks the ephemeral grouping of connections into call
// sessions. Rooms are process-local: peers in one room are always connected
// to the same broker process, because joining requires the room ID minted by
// that process.
package room

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrRoomNotFound = errors.New("room not found")

// roomIDLength is the length of the random base-36 room token. Eight
// characters ≈ 41 bits, enough to make collisions and guessing within a
// room's lifetime a non-issue.
const roomIDLength = 8

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type room struct {
	id        string
	creatorID string
	createdAt time.Time
	peers     map[string]struct{}
}

// Departure describes one room a connection was removed from during
// disconnect cleanup, with the peers that remain and must be notified.
type Departure struct {
	RoomID         string
	RemainingPeers []string
}

// Snapshot is the monitor-facing view of one room.
type Snapshot struct {
	RoomID    string    `json:"roomId"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
	Peers     []string  `json:"peers"`
}

type Rooms struct {
	mu      sync.Mutex
	rooms   map[string]*room
	byConn  map[string]map[string]struct{} // connID -> set of roomIDs
	nowFunc func() time.Time
	newID   func() (string, error)
}

func New() *Rooms {
	return &Rooms{
		rooms:   make(map[string]*room),
		byConn:  make(map[string]map[string]struct{}),
		nowFunc: time.Now,
		newID:   newRoomID,
	}
}

// Create makes a new room with ownerConnID as its sole peer and returns the
// room ID.
func (r *Rooms) Create(ownerConnID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		candidate, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := r.rooms[candidate]; !taken {
			id = candidate
			break
		}
	}

	r.rooms[id] = &room{
		id:        id,
		creatorID: ownerConnID,
		createdAt: r.nowFunc(),
		peers:     map[string]struct{}{ownerConnID: {}},
	}
	r.trackLocked(ownerConnID, id)
	return id, nil
}

// Join adds connID to the room and returns the peers that were already
// present (excluding the joiner), so the joiner's client can initiate a
// connection to each.
func (r *Rooms) Join(roomID, connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	existing := make([]string, 0, len(rm.peers))
	for peer := range rm.peers {
		if peer != connID {
			existing = append(existing, peer)
		}
	}

	rm.peers[connID] = struct{}{}
	r.trackLocked(connID, roomID)
	return existing, nil
}

// Leave removes connID from the room. It reports the peers remaining after
// the removal; when the peer set empties the room is deleted and never
// resurrected.
func (r *Rooms) Leave(roomID, connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r.removePeerLocked(rm, connID)
	return r.remainingLocked(rm), nil
}

// Members returns the current peer set of a room.
func (r *Rooms) Members(roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.remainingLocked(rm), nil
}

// DisconnectCleanup removes connID from every room it belongs to and returns
// one Departure per room so the caller can notify the remaining peers.
func (r *Rooms) DisconnectCleanup(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomIDs := r.byConn[connID]
	if len(roomIDs) == 0 {
		delete(r.byConn, connID)
		return nil
	}

	departures := make([]Departure, 0, len(roomIDs))
	for roomID := range roomIDs {
		rm, ok := r.rooms[roomID]
		if !ok {
			continue
		}
		r.removePeerLocked(rm, connID)
		departures = append(departures, Departure{
			RoomID:         roomID,
			RemainingPeers: r.remainingLocked(rm),
		})
	}
	delete(r.byConn, connID)
	return departures
}

// SnapshotAll returns a copy of every live room for the admin monitor.
func (r *Rooms) SnapshotAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, Snapshot{
			RoomID:    rm.id,
			CreatorID: rm.creatorID,
			CreatedAt: rm.createdAt,
			Peers:     r.remainingLocked(rm),
		})
	}
	return out
}

func (r *Rooms) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Rooms) trackLocked(connID, roomID string) {
	set, ok := r.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[connID] = set
	}
	set[roomID] = struct{}{}
}

func (r *Rooms) removePeerLocked(rm *room, connID string) {
	delete(rm.peers, connID)
	if set, ok := r.byConn[connID]; ok {
		delete(set, rm.id)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
	if len(rm.peers) == 0 {
		delete(r.rooms, rm.id)
	}
}

func (r *Rooms) remainingLocked(rm *room) []string {
	out := make([]string, 0, len(rm.peers))
	for peer := range rm.peers {
		out = append(out, peer)
	}
	return out
}

func newRoomID() (string, error) {
	var buf [roomIDLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	id := make([]byte, roomIDLength)
	for i, b := range buf {
		id[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(id), nil
}
