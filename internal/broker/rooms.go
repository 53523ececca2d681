package broker

// roomSet tracks named room membership in both directions. It carries no lock
// of its own: the owning broker serializes all access.
type roomSet struct {
	members map[string]map[ConnID]struct{}
	joined  map[ConnID]map[string]struct{}
}

func newRoomSet() *roomSet {
	return &roomSet{
		members: make(map[string]map[ConnID]struct{}),
		joined:  make(map[ConnID]map[string]struct{}),
	}
}

// join adds the connection to a room. Reports whether membership changed.
func (r *roomSet) join(id ConnID, room string) bool {
	if r.has(id, room) {
		return false
	}
	if r.members[room] == nil {
		r.members[room] = make(map[ConnID]struct{})
	}
	r.members[room][id] = struct{}{}
	if r.joined[id] == nil {
		r.joined[id] = make(map[string]struct{})
	}
	r.joined[id][room] = struct{}{}
	return true
}

// leave removes the connection from a room. Reports whether it was a member.
func (r *roomSet) leave(id ConnID, room string) bool {
	if !r.has(id, room) {
		return false
	}
	delete(r.members[room], id)
	if len(r.members[room]) == 0 {
		delete(r.members, room)
	}
	delete(r.joined[id], room)
	if len(r.joined[id]) == 0 {
		delete(r.joined, id)
	}
	return true
}

func (r *roomSet) has(id ConnID, room string) bool {
	rooms, ok := r.joined[id]
	if !ok {
		return false
	}
	_, member := rooms[room]
	return member
}

// membersOf returns the current member connections of a room
func (r *roomSet) membersOf(room string) []ConnID {
	ids := make([]ConnID, 0, len(r.members[room]))
	for id := range r.members[room] {
		ids = append(ids, id)
	}
	return ids
}

// roomsOf returns the rooms a connection is currently in
func (r *roomSet) roomsOf(id ConnID) []string {
	rooms := make([]string, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		rooms = append(rooms, room)
	}
	return rooms
}

// dropConn removes the connection from every room it is in
func (r *roomSet) dropConn(id ConnID) {
	for room := range r.joined[id] {
		delete(r.members[room], id)
		if len(r.members[room]) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.joined, id)
}
