package lobbysvc

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventKind uint8

const (
	EventMemberConnect EventKind = iota + 1
	EventMemberDisconnect
	EventMemberUpdate
	EventLobbyDelete
)

func (k EventKind) String() string {
	switch k {
	case EventMemberConnect:
		return "MemberConnect"
	case EventMemberDisconnect:
		return "MemberDisconnect"
	case EventMemberUpdate:
		return "MemberUpdate"
	case EventLobbyDelete:
		return "LobbyDelete"
	default:
		return "Unknown"
	}
}

// Notice is an event the service owes to one member (To) after a change of
// the registry state.
type Notice struct {
	To       int64
	Kind     EventKind
	LobbyID  int64
	UserID   int64
	Reason   uint32
	Metadata map[string]string
}

type room struct {
	lobby     Lobby
	members   map[int64]map[string]string
	createdAt time.Time
}

func (r *room) memberIDs() []int64 {
	ids := slices.Collect(maps.Keys(r.members))
	slices.Sort(ids)
	return ids
}

func (r *room) broadcast(n Notice, skip int64) []Notice {
	var out []Notice
	for _, id := range r.memberIDs() {
		if id == skip {
			continue
		}
		n.To = id
		out = append(out, n)
	}
	return out
}

// Registry is the authoritative lobby state of a lobby service. It is safe
// for concurrent use; the caller is responsible for delivering the returned
// notices.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	rooms  map[int64]*room

	newSecret func() string
}

const firstLobbyID = 100_000

func NewRegistry() *Registry {
	return &Registry{
		nextID:    firstLobbyID,
		rooms:     make(map[int64]*room),
		newSecret: uuid.NewString,
	}
}

// Create registers a new lobby owned (and joined) by owner.
func (r *Registry) Create(owner int64, txn LobbyTransaction) (Lobby, Result) {
	if txn.Capacity == 0 {
		return Lobby{}, ResultInvalidCapacity
	}
	if txn.Type == 0 {
		txn.Type = LobbyPrivate
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	lobby := Lobby{
		ID:       r.nextID,
		OwnerID:  owner,
		Secret:   r.newSecret(),
		Capacity: txn.Capacity,
		Type:     txn.Type,
	}
	r.rooms[lobby.ID] = &room{
		lobby:     lobby,
		members:   map[int64]map[string]string{owner: {}},
		createdAt: time.Now().In(time.UTC),
	}
	return lobby, ResultOk
}

// Connect adds user to the lobby addressed by the activity secret. Every
// member, the joining one included, is notified.
func (r *Registry) Connect(user int64, activitySecret string) (Lobby, []Notice, Result) {
	lobbyID, secret, err := SplitActivitySecret(activitySecret)
	if err != nil {
		return Lobby{}, nil, ResultInvalidSecret
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return Lobby{}, nil, ResultNotFound
	}
	if rm.lobby.Secret != secret {
		return Lobby{}, nil, ResultInvalidSecret
	}
	if _, member := rm.members[user]; member {
		return Lobby{}, nil, ResultAlreadyConnected
	}
	if rm.lobby.Locked || uint32(len(rm.members)) >= rm.lobby.Capacity {
		return Lobby{}, nil, ResultLobbyFull
	}

	rm.members[user] = map[string]string{}
	notices := rm.broadcast(Notice{Kind: EventMemberConnect, LobbyID: lobbyID, UserID: user}, 0)
	return rm.lobby, notices, ResultOk
}

// Disconnect removes user from the lobby. The lobby survives its owner
// leaving; only Delete or Drop removes it.
func (r *Registry) Disconnect(lobbyID, user int64) ([]Notice, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return nil, ResultNotFound
	}
	if _, member := rm.members[user]; !member {
		return nil, ResultNotConnected
	}
	delete(rm.members, user)
	return rm.broadcast(Notice{Kind: EventMemberDisconnect, LobbyID: lobbyID, UserID: user}, user), ResultOk
}

// Delete removes the lobby. Only its owner may do so.
func (r *Registry) Delete(lobbyID, user int64) ([]Notice, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return nil, ResultNotFound
	}
	if rm.lobby.OwnerID != user {
		return nil, ResultInvalidPermissions
	}
	delete(r.rooms, lobbyID)
	return rm.broadcast(Notice{Kind: EventLobbyDelete, LobbyID: lobbyID, Reason: DeleteReasonOwnerRequest}, user), ResultOk
}

// UpdateMember merges metadata into the target member. The owner may update
// anyone, other members only themselves.
func (r *Registry) UpdateMember(lobbyID, requester, target int64, metadata map[string]string) ([]Notice, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return nil, ResultNotFound
	}
	md, member := rm.members[target]
	if !member {
		return nil, ResultNotFound
	}
	if requester != target && requester != rm.lobby.OwnerID {
		return nil, ResultInvalidPermissions
	}
	maps.Copy(md, metadata)

	return rm.broadcast(Notice{
		Kind:     EventMemberUpdate,
		LobbyID:  lobbyID,
		UserID:   target,
		Metadata: maps.Clone(md),
	}, 0), ResultOk
}

// Route checks that a network message may travel between two members.
func (r *Registry) Route(lobbyID, from, to int64) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return ResultNotFound
	}
	if _, member := rm.members[from]; !member {
		return ResultNotConnected
	}
	if _, member := rm.members[to]; !member {
		return ResultNotFound
	}
	return ResultOk
}

// Drop removes user from every lobby, deleting the lobbies it owns.
func (r *Registry) Drop(user int64) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	var notices []Notice
	for _, id := range slices.Sorted(maps.Keys(r.rooms)) {
		rm := r.rooms[id]
		if rm.lobby.OwnerID == user {
			delete(r.rooms, id)
			notices = append(notices, rm.broadcast(Notice{Kind: EventLobbyDelete, LobbyID: id, Reason: DeleteReasonOwnerLeft}, user)...)
			continue
		}
		if _, member := rm.members[user]; member {
			delete(rm.members, user)
			notices = append(notices, rm.broadcast(Notice{Kind: EventMemberDisconnect, LobbyID: id, UserID: user}, user)...)
		}
	}
	return notices
}

func (r *Registry) Lobby(lobbyID int64) (Lobby, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return Lobby{}, false
	}
	return rm.lobby, true
}

// Members returns the member ids of a lobby in ascending order.
func (r *Registry) Members(lobbyID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return nil
	}
	return rm.memberIDs()
}

// Metadata returns a copy of the metadata of every member of a lobby.
func (r *Registry) Metadata(lobbyID int64) map[int64]map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[lobbyID]
	if !ok {
		return nil
	}
	out := make(map[int64]map[string]string, len(rm.members))
	for id, md := range rm.members {
		out[id] = maps.Clone(md)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
