package storage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/domain"
)

// Memory is the in-process backend: a single mutex over a small
// redis-shaped keyspace (strings with optional TTL, sets, lists,
// hashes). Good for a single controller instance and for tests; the
// janitor sweeps expired entries, reads also check expiry lazily.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	strings map[string]memString
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	hashes  map[string]map[string]string
	locks   map[string]*memLock
}

type memString struct {
	val string
	exp time.Time // zero = no expiry
}

var _ Store = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:     clk,
		strings: make(map[string]memString),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		locks:   make(map[string]*memLock),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// Sweep drops expired string entries and returns how many it removed.
// The janitor calls it on a schedule; redis does this natively.
func (m *Memory) Sweep() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.strings {
		if !s.exp.IsZero() && s.exp.Before(now) {
			delete(m.strings, k)
			n++
		}
	}
	return n
}

// getLocked returns the live value of a string key, honoring expiry.
func (m *Memory) getLocked(key string) (string, bool) {
	s, ok := m.strings[key]
	if !ok {
		return "", false
	}
	if !s.exp.IsZero() && s.exp.Before(m.clk.Now()) {
		delete(m.strings, key)
		return "", false
	}
	return s.val, true
}

func (m *Memory) setLocked(key, val string, ttl time.Duration) {
	s := memString{val: val}
	if ttl > 0 {
		s.exp = m.clk.Now().Add(ttl)
	}
	m.strings[key] = s
}

func (m *Memory) setLocked2(key, val string) { m.setLocked(key, val, 0) }

func (m *Memory) deletePrefixLocked(prefix string) {
	for k := range m.strings {
		if strings.HasPrefix(k, prefix) {
			delete(m.strings, k)
		}
	}
	for k := range m.sets {
		if strings.HasPrefix(k, prefix) {
			delete(m.sets, k)
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			delete(m.lists, k)
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			delete(m.hashes, k)
		}
	}
}

func (m *Memory) setAddLocked(key, member string) bool {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	if _, dup := s[member]; dup {
		return false
	}
	s[member] = struct{}{}
	return true
}

func (m *Memory) setRemoveLocked(key, member string) {
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
}

func (m *Memory) setContainsLocked(key, member string) bool {
	_, ok := m.sets[key][member]
	return ok
}

func (m *Memory) setMembersLocked(key string) []string {
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out
}

func participantSetMembers(members []string) ([]domain.ParticipantID, error) {
	out := make([]domain.ParticipantID, 0, len(members))
	for _, s := range members {
		p, err := domain.ParseParticipantID(s)
		if err != nil {
			return nil, wrap("participant set", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// --- tickets ---

func (m *Memory) SetTicket(ctx context.Context, token domain.TicketToken, data *domain.TicketData, ttl time.Duration) error {
	val, err := encode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.setLocked(ticketKey(token), val, ttl)
	m.mu.Unlock()
	return nil
}

func (m *Memory) TakeTicket(ctx context.Context, token domain.TicketToken) (*domain.TicketData, error) {
	m.mu.Lock()
	val, ok := m.getLocked(ticketKey(token))
	if ok {
		delete(m.strings, ticketKey(token))
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var data domain.TicketData
	if err := decode(val, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// --- resumption ---

func (m *Memory) GetResumption(ctx context.Context, token domain.ResumptionToken) (*domain.ResumptionData, error) {
	m.mu.Lock()
	val, ok := m.getLocked(resumptionKey(token))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var data domain.ResumptionData
	if err := decode(val, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (m *Memory) SetResumptionIfAbsent(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) (bool, error) {
	val, err := encode(data)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(resumptionKey(token)); exists {
		return false, nil
	}
	m.setLocked(resumptionKey(token), val, ttl)
	return true, nil
}

func (m *Memory) RefreshResumption(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) error {
	val, err := encode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(resumptionKey(token)); !exists {
		return ErrResumptionTokenUsed
	}
	m.setLocked(resumptionKey(token), val, ttl)
	return nil
}

func (m *Memory) DeleteResumption(ctx context.Context, token domain.ResumptionToken) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(resumptionKey(token)); !exists {
		return false, nil
	}
	delete(m.strings, resumptionKey(token))
	return true, nil
}

// --- participant lock ---

func (m *Memory) TryAcquireParticipant(ctx context.Context, p domain.ParticipantID, r domain.RunnerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.getLocked(participantLockKey(p)); held {
		return false, nil
	}
	m.setLocked2(participantLockKey(p), r.String())
	return true, nil
}

func (m *Memory) ParticipantInUse(ctx context.Context, p domain.ParticipantID) (bool, error) {
	m.mu.Lock()
	_, held := m.getLocked(participantLockKey(p))
	m.mu.Unlock()
	return held, nil
}

func (m *Memory) ReleaseParticipant(ctx context.Context, p domain.ParticipantID, caller domain.RunnerID) (domain.RunnerID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, held := m.getLocked(participantLockKey(p))
	if !held {
		return domain.RunnerID{}, false, nil
	}
	var owner domain.RunnerID
	if err := owner.UnmarshalText([]byte(val)); err != nil {
		return domain.RunnerID{}, false, wrap("participant lock", err)
	}
	if owner != caller {
		return owner, false, nil
	}
	delete(m.strings, participantLockKey(p))
	return owner, true, nil
}

// --- attributes ---

func (m *Memory) SetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, vis AttrVisibility, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	val, err := encode(AttrValue{Visibility: vis, Value: []byte(raw)})
	if err != nil {
		return err
	}
	key := attributesKey(room, p, module)
	m.mu.Lock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[name] = val
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, out any) (bool, error) {
	m.mu.Lock()
	val, ok := m.hashes[attributesKey(room, p, module)][name]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	var av AttrValue
	if err := decode(val, &av); err != nil {
		return false, err
	}
	if out != nil {
		if err := decode(string(av.Value), out); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Memory) DeleteAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string) error {
	key := attributesKey(room, p, module)
	m.mu.Lock()
	if h, ok := m.hashes[key]; ok {
		delete(h, name)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Attributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module string) (map[string]AttrValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeAttrBag(m.hashes[attributesKey(room, p, module)])
}

func decodeAttrBag(h map[string]string) (map[string]AttrValue, error) {
	out := make(map[string]AttrValue, len(h))
	for name, val := range h {
		var av AttrValue
		if err := decode(val, &av); err != nil {
			return nil, err
		}
		out[name] = av
	}
	return out, nil
}

func (m *Memory) BulkAttributes(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID, modules []string) (map[domain.ParticipantID]map[string]map[string]AttrValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ParticipantID]map[string]map[string]AttrValue, len(ps))
	for _, p := range ps {
		byModule := make(map[string]map[string]AttrValue, len(modules))
		for _, module := range modules {
			bag, err := decodeAttrBag(m.hashes[attributesKey(room, p, module)])
			if err != nil {
				return nil, err
			}
			if len(bag) > 0 {
				byModule[module] = bag
			}
		}
		out[p] = byModule
	}
	return out, nil
}

func (m *Memory) DeleteParticipantAttributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	prefix := roomKey(room, "attributes:"+p.String()+":")
	m.mu.Lock()
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			delete(m.hashes, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// --- control ---

func (m *Memory) AddParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error) {
	m.mu.Lock()
	added := m.setAddLocked(participantsKey(room), p.String())
	m.mu.Unlock()
	return added, nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setRemoveLocked(participantsKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) Participants(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	m.mu.Lock()
	members := m.setMembersLocked(participantsKey(room))
	m.mu.Unlock()
	return participantSetMembers(members)
}

func (m *Memory) ParticipantCount(ctx context.Context, room domain.SignalingRoom) (int64, error) {
	m.mu.Lock()
	n := len(m.sets[participantsKey(room)])
	m.mu.Unlock()
	return int64(n), nil
}

func (m *Memory) DeleteRoomScope(ctx context.Context, room domain.SignalingRoom) error {
	m.mu.Lock()
	m.deletePrefixLocked(roomScope(room) + ":")
	m.mu.Unlock()
	return nil
}

// --- moderation ---

func (m *Memory) setFlag(key string, enabled bool) {
	m.mu.Lock()
	if enabled {
		m.setLocked2(key, "1")
	} else {
		delete(m.strings, key)
	}
	m.mu.Unlock()
}

func (m *Memory) getFlag(key string) bool {
	m.mu.Lock()
	_, ok := m.getLocked(key)
	m.mu.Unlock()
	return ok
}

func (m *Memory) SetWaitingRoomEnabled(ctx context.Context, room domain.RoomID, enabled bool) error {
	m.setFlag(waitingFlagKey(room), enabled)
	return nil
}

func (m *Memory) WaitingRoomEnabled(ctx context.Context, room domain.RoomID) (bool, error) {
	return m.getFlag(waitingFlagKey(room)), nil
}

func (m *Memory) WaitingAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setAddLocked(waitingRoomKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) WaitingRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setRemoveLocked(waitingRoomKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) WaitingContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error) {
	m.mu.Lock()
	ok := m.setContainsLocked(waitingRoomKey(room), p.String())
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) WaitingMembers(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	m.mu.Lock()
	members := m.setMembersLocked(waitingRoomKey(room))
	m.mu.Unlock()
	return participantSetMembers(members)
}

func (m *Memory) AcceptedAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setAddLocked(acceptedKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) AcceptedRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setRemoveLocked(acceptedKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) AcceptedContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error) {
	m.mu.Lock()
	ok := m.setContainsLocked(acceptedKey(room), p.String())
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) BanUser(ctx context.Context, room domain.RoomID, u domain.UserID) error {
	m.mu.Lock()
	m.setAddLocked(bansKey(room), u.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsBanned(ctx context.Context, room domain.RoomID, u domain.UserID) (bool, error) {
	m.mu.Lock()
	ok := m.setContainsLocked(bansKey(room), u.String())
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) SetRaiseHandsEnabled(ctx context.Context, room domain.RoomID, enabled bool) error {
	// Raise hands default to enabled; the flag stores the disable.
	m.setFlag(raiseFlagKey(room), !enabled)
	return nil
}

func (m *Memory) RaiseHandsEnabled(ctx context.Context, room domain.RoomID) (bool, error) {
	return !m.getFlag(raiseFlagKey(room)), nil
}

func (m *Memory) RaisedHandAdd(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setAddLocked(raisedHandsKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) RaisedHandRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setRemoveLocked(raisedHandsKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) RaisedHands(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	m.mu.Lock()
	members := m.setMembersLocked(raisedHandsKey(room))
	m.mu.Unlock()
	return participantSetMembers(members)
}

// --- automod ---

func (m *Memory) SetAutomodConfig(ctx context.Context, room domain.SignalingRoom, cfg *domain.AutomodConfig) error {
	val, err := encode(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.setLocked2(automodConfigKey(room), val)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AutomodConfig(ctx context.Context, room domain.SignalingRoom) (*domain.AutomodConfig, error) {
	m.mu.Lock()
	val, ok := m.getLocked(automodConfigKey(room))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var cfg domain.AutomodConfig
	if err := decode(val, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Memory) DeleteAutomodConfig(ctx context.Context, room domain.SignalingRoom) error {
	m.mu.Lock()
	delete(m.strings, automodConfigKey(room))
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetSpeakerAndHistory(ctx context.Context, room domain.SignalingRoom, speaker *domain.ParticipantID, entries []domain.AutomodHistoryEntry) error {
	encoded := make([]string, 0, len(entries))
	for _, e := range entries {
		val, err := encode(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, val)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if speaker == nil {
		delete(m.strings, automodSpeakerKey(room))
	} else {
		m.setLocked2(automodSpeakerKey(room), speaker.String())
	}
	m.lists[automodHistoryKey(room)] = append(m.lists[automodHistoryKey(room)], encoded...)
	return nil
}

func (m *Memory) Speaker(ctx context.Context, room domain.SignalingRoom) (*domain.ParticipantID, error) {
	m.mu.Lock()
	val, ok := m.getLocked(automodSpeakerKey(room))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	p, err := domain.ParseParticipantID(val)
	if err != nil {
		return nil, wrap("automod speaker", err)
	}
	return &p, nil
}

func (m *Memory) AllowListAdd(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error {
	m.mu.Lock()
	for _, p := range ps {
		m.setAddLocked(automodAllowKey(room), p.String())
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) AllowListRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	m.mu.Lock()
	m.setRemoveLocked(automodAllowKey(room), p.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) AllowListContains(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error) {
	m.mu.Lock()
	ok := m.setContainsLocked(automodAllowKey(room), p.String())
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) AllowList(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	m.mu.Lock()
	members := m.setMembersLocked(automodAllowKey(room))
	m.mu.Unlock()
	return participantSetMembers(members)
}

func (m *Memory) AllowListReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error {
	m.mu.Lock()
	delete(m.sets, automodAllowKey(room))
	for _, p := range ps {
		m.setAddLocked(automodAllowKey(room), p.String())
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PlaylistReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error {
	list := make([]string, 0, len(ps))
	for _, p := range ps {
		list = append(list, p.String())
	}
	m.mu.Lock()
	if len(list) == 0 {
		delete(m.lists, automodPlaylistKey(room))
	} else {
		m.lists[automodPlaylistKey(room)] = list
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PlaylistAppend(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error {
	m.mu.Lock()
	for _, p := range ps {
		m.lists[automodPlaylistKey(room)] = append(m.lists[automodPlaylistKey(room)], p.String())
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PlaylistPop(ctx context.Context, room domain.SignalingRoom) (domain.ParticipantID, bool, error) {
	m.mu.Lock()
	list := m.lists[automodPlaylistKey(room)]
	if len(list) == 0 {
		m.mu.Unlock()
		return domain.ParticipantID{}, false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, automodPlaylistKey(room))
	} else {
		m.lists[automodPlaylistKey(room)] = list[1:]
	}
	m.mu.Unlock()
	p, err := domain.ParseParticipantID(head)
	if err != nil {
		return domain.ParticipantID{}, false, wrap("automod playlist", err)
	}
	return p, true, nil
}

func (m *Memory) Playlist(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	m.mu.Lock()
	list := append([]string(nil), m.lists[automodPlaylistKey(room)]...)
	m.mu.Unlock()
	return participantSetMembers(list)
}

func (m *Memory) AutomodHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.AutomodHistoryEntry, error) {
	m.mu.Lock()
	list := append([]string(nil), m.lists[automodHistoryKey(room)]...)
	m.mu.Unlock()
	out := make([]domain.AutomodHistoryEntry, 0, len(list))
	for _, val := range list {
		var e domain.AutomodHistoryEntry
		if err := decode(val, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) DeleteAutomodState(ctx context.Context, room domain.SignalingRoom) error {
	m.mu.Lock()
	delete(m.strings, automodSpeakerKey(room))
	delete(m.sets, automodAllowKey(room))
	delete(m.lists, automodPlaylistKey(room))
	delete(m.lists, automodHistoryKey(room))
	m.mu.Unlock()
	return nil
}

// --- legal vote ---

func (m *Memory) StartVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, params *domain.VoteParameters, allowed []domain.VoteToken, start domain.VoteProtocolEntry) error {
	paramsVal, err := encode(params)
	if err != nil {
		return err
	}
	startVal, err := encode(start)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, active := m.getLocked(voteCurrentKey(room)); active {
		return ErrVoteActive
	}
	m.setLocked2(voteCurrentKey(room), v.String())
	m.setLocked2(voteParamsKey(room, v), paramsVal)
	for _, t := range allowed {
		m.setAddLocked(voteTokensKey(room, v), string(t))
	}
	m.lists[voteProtocolKey(room, v)] = []string{startVal}
	return nil
}

func (m *Memory) CurrentVote(ctx context.Context, room domain.SignalingRoom) (domain.VoteID, bool, error) {
	m.mu.Lock()
	val, ok := m.getLocked(voteCurrentKey(room))
	m.mu.Unlock()
	if !ok {
		return domain.VoteID{}, false, nil
	}
	var v domain.VoteID
	if err := v.UnmarshalText([]byte(val)); err != nil {
		return domain.VoteID{}, false, wrap("current vote", err)
	}
	return v, true, nil
}

func (m *Memory) VoteParameters(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteParameters, error) {
	m.mu.Lock()
	val, ok := m.getLocked(voteParamsKey(room, v))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var params domain.VoteParameters
	if err := decode(val, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func (m *Memory) CastVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, token domain.VoteToken, choice domain.VoteChoice, entry domain.VoteProtocolEntry) (*VoteCastResult, error) {
	entryVal, err := encode(entry)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, active := m.getLocked(voteCurrentKey(room))
	if !active || current != v.String() {
		return nil, ErrVoteInactive
	}
	if !m.setContainsLocked(voteTokensKey(room, v), string(token)) {
		return nil, ErrInvalidToken
	}
	cast, ok := m.hashes[voteCastKey(room, v)]
	if !ok {
		cast = make(map[string]string)
		m.hashes[voteCastKey(room, v)] = cast
	}
	if _, used := cast[string(token)]; used {
		return nil, ErrVoteTokenUsed
	}
	cast[string(token)] = string(choice)
	tally, ok := m.hashes[voteTallyKey(room, v)]
	if !ok {
		tally = make(map[string]string)
		m.hashes[voteTallyKey(room, v)] = tally
	}
	n, _ := strconv.ParseInt(tally[string(choice)], 10, 64)
	tally[string(choice)] = strconv.FormatInt(n+1, 10)
	m.lists[voteProtocolKey(room, v)] = append(m.lists[voteProtocolKey(room, v)], entryVal)
	return &VoteCastResult{
		CastCount:    int64(len(cast)),
		AllowedCount: int64(len(m.sets[voteTokensKey(room, v)])),
	}, nil
}

func (m *Memory) EndVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, terminal domain.VoteProtocolEntry, results *domain.VoteResults) error {
	terminalVal, err := encode(terminal)
	if err != nil {
		return err
	}
	resultsVal, err := encode(results)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, active := m.getLocked(voteCurrentKey(room))
	if !active || current != v.String() {
		return ErrVoteInactive
	}
	m.lists[voteProtocolKey(room, v)] = append(m.lists[voteProtocolKey(room, v)], terminalVal)
	m.setLocked2(voteResultsKey(room, v), resultsVal)
	m.setAddLocked(voteHistoryKey(room), v.String())
	delete(m.strings, voteCurrentKey(room))
	return nil
}

func (m *Memory) AppendVoteEntry(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, entry domain.VoteProtocolEntry) error {
	entryVal, err := encode(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, active := m.getLocked(voteCurrentKey(room))
	if !active || current != v.String() {
		return ErrVoteInactive
	}
	m.lists[voteProtocolKey(room, v)] = append(m.lists[voteProtocolKey(room, v)], entryVal)
	return nil
}

func (m *Memory) VoteProtocol(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) ([]domain.VoteProtocolEntry, error) {
	m.mu.Lock()
	list := append([]string(nil), m.lists[voteProtocolKey(room, v)]...)
	m.mu.Unlock()
	out := make([]domain.VoteProtocolEntry, 0, len(list))
	for _, val := range list {
		var e domain.VoteProtocolEntry
		if err := decode(val, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) VoteTally(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (domain.VoteTally, error) {
	m.mu.Lock()
	h := m.hashes[voteTallyKey(room, v)]
	tally := make(domain.VoteTally, len(h))
	for choice, count := range h {
		n, err := strconv.ParseInt(count, 10, 64)
		if err != nil {
			m.mu.Unlock()
			return nil, wrap("vote tally", err)
		}
		tally[domain.VoteChoice(choice)] = n
	}
	m.mu.Unlock()
	return tally, nil
}

func (m *Memory) VoteResults(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteResults, error) {
	m.mu.Lock()
	val, ok := m.getLocked(voteResultsKey(room, v))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var res domain.VoteResults
	if err := decode(val, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *Memory) VoteHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.VoteID, error) {
	m.mu.Lock()
	members := m.setMembersLocked(voteHistoryKey(room))
	m.mu.Unlock()
	out := make([]domain.VoteID, 0, len(members))
	for _, s := range members {
		var v domain.VoteID
		if err := v.UnmarshalText([]byte(s)); err != nil {
			return nil, wrap("vote history", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) DeleteVoteState(ctx context.Context, room domain.SignalingRoom) error {
	m.mu.Lock()
	m.deletePrefixLocked(roomKey(room, "legal_vote:"))
	m.mu.Unlock()
	return nil
}

// --- chat ---

func (m *Memory) AppendChatMessage(ctx context.Context, room domain.SignalingRoom, msg *domain.ChatMessage, cap int64) error {
	val, err := encode(msg)
	if err != nil {
		return err
	}
	key := chatHistoryKey(room)
	m.mu.Lock()
	list := append(m.lists[key], val)
	if cap > 0 && int64(len(list)) > cap {
		list = list[int64(len(list))-cap:]
	}
	m.lists[key] = list
	m.mu.Unlock()
	return nil
}

func (m *Memory) ChatHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	list := append([]string(nil), m.lists[chatHistoryKey(room)]...)
	m.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(list))
	for _, val := range list {
		var msg domain.ChatMessage
		if err := decode(val, &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) DeleteChatHistory(ctx context.Context, room domain.SignalingRoom) error {
	m.mu.Lock()
	delete(m.lists, chatHistoryKey(room))
	m.mu.Unlock()
	return nil
}

// --- timer, recording, breakout ---

func (m *Memory) setIfAbsent(key string, v any) (bool, error) {
	val, err := encode(v)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(key); exists {
		return false, nil
	}
	m.setLocked2(key, val)
	return true, nil
}

func (m *Memory) getJSON(key string, out any) (bool, error) {
	m.mu.Lock()
	val, ok := m.getLocked(key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, decode(val, out)
}

func (m *Memory) SetTimerIfAbsent(ctx context.Context, room domain.SignalingRoom, t *domain.TimerState) (bool, error) {
	return m.setIfAbsent(timerKey(room), t)
}

func (m *Memory) Timer(ctx context.Context, room domain.SignalingRoom) (*domain.TimerState, error) {
	var t domain.TimerState
	ok, err := m.getJSON(timerKey(room), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (m *Memory) DeleteTimerIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.getLocked(timerKey(room))
	if !ok {
		return false, nil
	}
	var t domain.TimerState
	if err := decode(val, &t); err != nil {
		return false, err
	}
	if t.ID != id {
		return false, nil
	}
	delete(m.strings, timerKey(room))
	return true, nil
}

func (m *Memory) SetRecordingIfAbsent(ctx context.Context, room domain.SignalingRoom, r *domain.RecordingState) (bool, error) {
	return m.setIfAbsent(recordingKey(room), r)
}

func (m *Memory) Recording(ctx context.Context, room domain.SignalingRoom) (*domain.RecordingState, error) {
	var r domain.RecordingState
	ok, err := m.getJSON(recordingKey(room), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (m *Memory) DeleteRecordingIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.getLocked(recordingKey(room))
	if !ok {
		return false, nil
	}
	var r domain.RecordingState
	if err := decode(val, &r); err != nil {
		return false, err
	}
	if r.ID != id {
		return false, nil
	}
	delete(m.strings, recordingKey(room))
	return true, nil
}

func (m *Memory) SetBreakoutIfAbsent(ctx context.Context, room domain.RoomID, cfg *domain.BreakoutConfig) (bool, error) {
	return m.setIfAbsent(breakoutKey(room), cfg)
}

func (m *Memory) BreakoutConfig(ctx context.Context, room domain.RoomID) (*domain.BreakoutConfig, error) {
	var cfg domain.BreakoutConfig
	ok, err := m.getJSON(breakoutKey(room), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (m *Memory) DeleteBreakout(ctx context.Context, room domain.RoomID) error {
	m.mu.Lock()
	delete(m.strings, breakoutKey(room))
	m.mu.Unlock()
	return nil
}

// --- room lock ---

// memLock is a chan-based mutex so Acquire can respect ctx cancellation.
type memLock struct {
	ch chan struct{}
}

func (m *Memory) RoomLock(room domain.SignalingRoom) Lock {
	key := roomLockKey(room)
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &memLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	m.mu.Unlock()
	return l
}

func (l *memLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLock) Release(context.Context) error {
	select {
	case <-l.ch:
		return nil
	default:
		return nil
	}
}
