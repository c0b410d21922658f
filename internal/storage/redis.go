package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/confab-dev/confab/internal/domain"
)

// Redis is the shared backend for horizontally scaled controllers. The
// compare-and-swap contracts (ticket take, owner-checked releases, vote
// casting and termination) run server-side as Lua so no partial state is
// ever visible to another controller.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client, for tests and for sharing
// the connection with the exchange.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error { return r.client.Close() }

// --- tickets ---

func (r *Redis) SetTicket(ctx context.Context, token domain.TicketToken, data *domain.TicketData, ttl time.Duration) error {
	val, err := encode(data)
	if err != nil {
		return err
	}
	return wrap("set ticket", r.client.Set(ctx, ticketKey(token), val, ttl).Err())
}

func (r *Redis) TakeTicket(ctx context.Context, token domain.TicketToken) (*domain.TicketData, error) {
	val, err := r.client.GetDel(ctx, ticketKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("take ticket", err)
	}
	var data domain.TicketData
	if err := decode(val, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// --- resumption ---

func (r *Redis) GetResumption(ctx context.Context, token domain.ResumptionToken) (*domain.ResumptionData, error) {
	val, err := r.client.Get(ctx, resumptionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get resumption", err)
	}
	var data domain.ResumptionData
	if err := decode(val, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *Redis) SetResumptionIfAbsent(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) (bool, error) {
	val, err := encode(data)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, resumptionKey(token), val, ttl).Result()
	return ok, wrap("set resumption", err)
}

var refreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func (r *Redis) RefreshResumption(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) error {
	val, err := encode(data)
	if err != nil {
		return err
	}
	n, err := refreshScript.Run(ctx, r.client,
		[]string{resumptionKey(token)}, val, ttl.Milliseconds()).Int()
	if err != nil {
		return wrap("refresh resumption", err)
	}
	if n == 0 {
		return ErrResumptionTokenUsed
	}
	return nil
}

func (r *Redis) DeleteResumption(ctx context.Context, token domain.ResumptionToken) (bool, error) {
	n, err := r.client.Del(ctx, resumptionKey(token)).Result()
	return n > 0, wrap("delete resumption", err)
}

// --- participant lock ---

func (r *Redis) TryAcquireParticipant(ctx context.Context, p domain.ParticipantID, runner domain.RunnerID) (bool, error) {
	ok, err := r.client.SetNX(ctx, participantLockKey(p), runner.String(), 0).Result()
	return ok, wrap("acquire participant", err)
}

func (r *Redis) ParticipantInUse(ctx context.Context, p domain.ParticipantID) (bool, error) {
	n, err := r.client.Exists(ctx, participantLockKey(p)).Result()
	return n > 0, wrap("participant in use", err)
}

// releaseScript deletes the key only when the stored owner matches; it
// always reports the owner it saw.
var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  return {'', 0}
end
if owner == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return {owner, 1}
end
return {owner, 0}
`)

func (r *Redis) ReleaseParticipant(ctx context.Context, p domain.ParticipantID, caller domain.RunnerID) (domain.RunnerID, bool, error) {
	res, err := releaseScript.Run(ctx, r.client,
		[]string{participantLockKey(p)}, caller.String()).Slice()
	if err != nil {
		return domain.RunnerID{}, false, wrap("release participant", err)
	}
	ownerStr, _ := res[0].(string)
	released, _ := res[1].(int64)
	if ownerStr == "" {
		return domain.RunnerID{}, false, nil
	}
	var owner domain.RunnerID
	if err := owner.UnmarshalText([]byte(ownerStr)); err != nil {
		return domain.RunnerID{}, false, wrap("release participant", err)
	}
	return owner, released == 1, nil
}

// --- attributes ---

func (r *Redis) SetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, vis AttrVisibility, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	val, err := encode(AttrValue{Visibility: vis, Value: []byte(raw)})
	if err != nil {
		return err
	}
	return wrap("set attribute", r.client.HSet(ctx, attributesKey(room, p, module), name, val).Err())
}

func (r *Redis) GetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, out any) (bool, error) {
	val, err := r.client.HGet(ctx, attributesKey(room, p, module), name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get attribute", err)
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

func (r *Redis) DeleteAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string) error {
	return wrap("delete attribute", r.client.HDel(ctx, attributesKey(room, p, module), name).Err())
}

func (r *Redis) Attributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module string) (map[string]AttrValue, error) {
	h, err := r.client.HGetAll(ctx, attributesKey(room, p, module)).Result()
	if err != nil {
		return nil, wrap("attributes", err)
	}
	return decodeAttrBag(h)
}

func (r *Redis) BulkAttributes(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID, modules []string) (map[domain.ParticipantID]map[string]map[string]AttrValue, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[domain.ParticipantID]map[string]*redis.MapStringStringCmd, len(ps))
	for _, p := range ps {
		byModule := make(map[string]*redis.MapStringStringCmd, len(modules))
		for _, module := range modules {
			byModule[module] = pipe.HGetAll(ctx, attributesKey(room, p, module))
		}
		cmds[p] = byModule
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap("bulk attributes", err)
	}
	out := make(map[domain.ParticipantID]map[string]map[string]AttrValue, len(ps))
	for p, byModule := range cmds {
		res := make(map[string]map[string]AttrValue, len(byModule))
		for module, cmd := range byModule {
			bag, err := decodeAttrBag(cmd.Val())
			if err != nil {
				return nil, err
			}
			if len(bag) > 0 {
				res[module] = bag
			}
		}
		out[p] = res
	}
	return out, nil
}

func (r *Redis) DeleteParticipantAttributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	return r.deletePattern(ctx, attributesPattern(room, p))
}

// deletePattern removes every key matching pattern, lock keys excepted.
func (r *Redis) deletePattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 128).Iterator()
	var batch []string
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":lock") {
			continue
		}
		batch = append(batch, key)
		if len(batch) >= 128 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return wrap("delete pattern", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return wrap("delete pattern", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return wrap("delete pattern", err)
		}
	}
	return nil
}

// --- control ---

func (r *Redis) AddParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error) {
	n, err := r.client.SAdd(ctx, participantsKey(room), p.String()).Result()
	return n > 0, wrap("add participant", err)
}

func (r *Redis) RemoveParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	return wrap("remove participant", r.client.SRem(ctx, participantsKey(room), p.String()).Err())
}

func (r *Redis) Participants(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	members, err := r.client.SMembers(ctx, participantsKey(room)).Result()
	if err != nil {
		return nil, wrap("participants", err)
	}
	return participantSetMembers(members)
}

func (r *Redis) ParticipantCount(ctx context.Context, room domain.SignalingRoom) (int64, error) {
	n, err := r.client.SCard(ctx, participantsKey(room)).Result()
	return n, wrap("participant count", err)
}

func (r *Redis) DeleteRoomScope(ctx context.Context, room domain.SignalingRoom) error {
	return r.deletePattern(ctx, roomScope(room)+":*")
}

// --- moderation ---

func (r *Redis) setFlag(ctx context.Context, key string, enabled bool) error {
	if enabled {
		return wrap("set flag", r.client.Set(ctx, key, "1", 0).Err())
	}
	return wrap("set flag", r.client.Del(ctx, key).Err())
}

func (r *Redis) getFlag(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, wrap("get flag", err)
}

func (r *Redis) SetWaitingRoomEnabled(ctx context.Context, room domain.RoomID, enabled bool) error {
	return r.setFlag(ctx, waitingFlagKey(room), enabled)
}

func (r *Redis) WaitingRoomEnabled(ctx context.Context, room domain.RoomID) (bool, error) {
	return r.getFlag(ctx, waitingFlagKey(room))
}

func (r *Redis) WaitingAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	return wrap("waiting add", r.client.SAdd(ctx, waitingRoomKey(room), p.String()).Err())
}

func (r *Redis) WaitingRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	return wrap("waiting remove", r.client.SRem(ctx, waitingRoomKey(room), p.String()).Err())
}

func (r *Redis) WaitingContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, waitingRoomKey(room), p.String()).Result()
	return ok, wrap("waiting contains", err)
}

func (r *Redis) WaitingMembers(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	members, err := r.client.SMembers(ctx, waitingRoomKey(room)).Result()
	if err != nil {
		return nil, wrap("waiting members", err)
	}
	return participantSetMembers(members)
}

func (r *Redis) AcceptedAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	return wrap("accepted add", r.client.SAdd(ctx, acceptedKey(room), p.String()).Err())
}

func (r *Redis) AcceptedRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error {
	return wrap("accepted remove", r.client.SRem(ctx, acceptedKey(room), p.String()).Err())
}

func (r *Redis) AcceptedContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, acceptedKey(room), p.String()).Result()
	return ok, wrap("accepted contains", err)
}

func (r *Redis) BanUser(ctx context.Context, room domain.RoomID, u domain.UserID) error {
	return wrap("ban", r.client.SAdd(ctx, bansKey(room), u.String()).Err())
}

func (r *Redis) IsBanned(ctx context.Context, room domain.RoomID, u domain.UserID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, bansKey(room), u.String()).Result()
	return ok, wrap("is banned", err)
}

func (r *Redis) SetRaiseHandsEnabled(ctx context.Context, room domain.RoomID, enabled bool) error {
	// Raise hands default to enabled; the flag stores the disable.
	return r.setFlag(ctx, raiseFlagKey(room), !enabled)
}

func (r *Redis) RaiseHandsEnabled(ctx context.Context, room domain.RoomID) (bool, error) {
	disabled, err := r.getFlag(ctx, raiseFlagKey(room))
	return !disabled, err
}

func (r *Redis) RaisedHandAdd(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	return wrap("raised hand add", r.client.SAdd(ctx, raisedHandsKey(room), p.String()).Err())
}

func (r *Redis) RaisedHandRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	return wrap("raised hand remove", r.client.SRem(ctx, raisedHandsKey(room), p.String()).Err())
}

func (r *Redis) RaisedHands(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	members, err := r.client.SMembers(ctx, raisedHandsKey(room)).Result()
	if err != nil {
		return nil, wrap("raised hands", err)
	}
	return participantSetMembers(members)
}

// --- automod ---

func (r *Redis) SetAutomodConfig(ctx context.Context, room domain.SignalingRoom, cfg *domain.AutomodConfig) error {
	val, err := encode(cfg)
	if err != nil {
		return err
	}
	return wrap("set automod config", r.client.Set(ctx, automodConfigKey(room), val, 0).Err())
}

func (r *Redis) AutomodConfig(ctx context.Context, room domain.SignalingRoom) (*domain.AutomodConfig, error) {
	val, err := r.client.Get(ctx, automodConfigKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("automod config", err)
	}
	var cfg domain.AutomodConfig
	if err := decode(val, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Redis) DeleteAutomodConfig(ctx context.Context, room domain.SignalingRoom) error {
	return wrap("delete automod config", r.client.Del(ctx, automodConfigKey(room)).Err())
}

func (r *Redis) SetSpeakerAndHistory(ctx context.Context, room domain.SignalingRoom, speaker *domain.ParticipantID, entries []domain.AutomodHistoryEntry) error {
	encoded := make([]any, 0, len(entries))
	for _, e := range entries {
		val, err := encode(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, val)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if speaker == nil {
			pipe.Del(ctx, automodSpeakerKey(room))
		} else {
			pipe.Set(ctx, automodSpeakerKey(room), speaker.String(), 0)
		}
		if len(encoded) > 0 {
			pipe.RPush(ctx, automodHistoryKey(room), encoded...)
		}
		return nil
	})
	return wrap("set speaker", err)
}

func (r *Redis) Speaker(ctx context.Context, room domain.SignalingRoom) (*domain.ParticipantID, error) {
	val, err := r.client.Get(ctx, automodSpeakerKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("speaker", err)
	}
	p, err := domain.ParseParticipantID(val)
	if err != nil {
		return nil, wrap("speaker", err)
	}
	return &p, nil
}

func (r *Redis) AllowListAdd(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error {
	if len(ps) == 0 {
		return nil
	}
	members := make([]any, 0, len(ps))
	for _, p := range ps {
		members = append(members, p.String())
	}
	return wrap("allow list add", r.client.SAdd(ctx, automodAllowKey(room), members...).Err())
}

func (r *Redis) AllowListRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error {
	return wrap("allow list remove", r.client.SRem(ctx, automodAllowKey(room), p.String()).Err())
}

func (r *Redis) AllowListContains(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, automodAllowKey(room), p.String()).Result()
	return ok, wrap("allow list contains", err)
}

func (r *Redis) AllowList(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	members, err := r.client.SMembers(ctx, automodAllowKey(room)).Result()
	if err != nil {
		return nil, wrap("allow list", err)
	}
	return participantSetMembers(members)
}

func (r *Redis) AllowListReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error {
	members := make([]any, 0, len(ps))
	for _, p := range ps {
		members = append(members, p.String())
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, automodAllowKey(room))
		if len(members) > 0 {
			pipe.SAdd(ctx, automodAllowKey(room), members...)
		}
		return nil
	})
	return wrap("allow list replace", err)
}

func (r *Redis) PlaylistReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error {
	members := make([]any, 0, len(ps))
	for _, p := range ps {
		members = append(members, p.String())
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, automodPlaylistKey(room))
		if len(members) > 0 {
			pipe.RPush(ctx, automodPlaylistKey(room), members...)
		}
		return nil
	})
	return wrap("playlist replace", err)
}

func (r *Redis) PlaylistAppend(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error {
	if len(ps) == 0 {
		return nil
	}
	members := make([]any, 0, len(ps))
	for _, p := range ps {
		members = append(members, p.String())
	}
	return wrap("playlist append", r.client.RPush(ctx, automodPlaylistKey(room), members...).Err())
}

func (r *Redis) PlaylistPop(ctx context.Context, room domain.SignalingRoom) (domain.ParticipantID, bool, error) {
	val, err := r.client.LPop(ctx, automodPlaylistKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ParticipantID{}, false, nil
	}
	if err != nil {
		return domain.ParticipantID{}, false, wrap("playlist pop", err)
	}
	p, err := domain.ParseParticipantID(val)
	if err != nil {
		return domain.ParticipantID{}, false, wrap("playlist pop", err)
	}
	return p, true, nil
}

func (r *Redis) Playlist(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error) {
	list, err := r.client.LRange(ctx, automodPlaylistKey(room), 0, -1).Result()
	if err != nil {
		return nil, wrap("playlist", err)
	}
	return participantSetMembers(list)
}

func (r *Redis) AutomodHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.AutomodHistoryEntry, error) {
	list, err := r.client.LRange(ctx, automodHistoryKey(room), 0, -1).Result()
	if err != nil {
		return nil, wrap("automod history", err)
	}
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

func (r *Redis) DeleteAutomodState(ctx context.Context, room domain.SignalingRoom) error {
	return wrap("delete automod state", r.client.Del(ctx,
		automodSpeakerKey(room),
		automodAllowKey(room),
		automodPlaylistKey(room),
		automodHistoryKey(room),
	).Err())
}

// --- legal vote ---

// startVoteScript installs the vote only when no vote is active.
var startVoteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
for i = 4, #ARGV do
  redis.call('SADD', KEYS[3], ARGV[i])
end
redis.call('RPUSH', KEYS[4], ARGV[3])
return 1
`)

func (r *Redis) StartVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, params *domain.VoteParameters, allowed []domain.VoteToken, start domain.VoteProtocolEntry) error {
	paramsVal, err := encode(params)
	if err != nil {
		return err
	}
	startVal, err := encode(start)
	if err != nil {
		return err
	}
	args := make([]any, 0, 3+len(allowed))
	args = append(args, v.String(), paramsVal, startVal)
	for _, t := range allowed {
		args = append(args, string(t))
	}
	n, err := startVoteScript.Run(ctx, r.client, []string{
		voteCurrentKey(room),
		voteParamsKey(room, v),
		voteTokensKey(room, v),
		voteProtocolKey(room, v),
	}, args...).Int()
	if err != nil {
		return wrap("start vote", err)
	}
	if n == 0 {
		return ErrVoteActive
	}
	return nil
}

func (r *Redis) CurrentVote(ctx context.Context, room domain.SignalingRoom) (domain.VoteID, bool, error) {
	val, err := r.client.Get(ctx, voteCurrentKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.VoteID{}, false, nil
	}
	if err != nil {
		return domain.VoteID{}, false, wrap("current vote", err)
	}
	u, err := uuid.Parse(val)
	if err != nil {
		return domain.VoteID{}, false, wrap("current vote", err)
	}
	return domain.VoteID(u), true, nil
}

func (r *Redis) VoteParameters(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteParameters, error) {
	val, err := r.client.Get(ctx, voteParamsKey(room, v)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("vote parameters", err)
	}
	var params domain.VoteParameters
	if err := decode(val, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// castVoteScript validates and records one ballot in one step.
var castVoteScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
  return redis.error_reply('vote_inactive')
end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 0 then
  return redis.error_reply('invalid_token')
end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
  return redis.error_reply('token_used')
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
redis.call('HINCRBY', KEYS[4], ARGV[3], 1)
redis.call('RPUSH', KEYS[5], ARGV[4])
return {redis.call('HLEN', KEYS[3]), redis.call('SCARD', KEYS[2])}
`)

func (r *Redis) CastVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, token domain.VoteToken, choice domain.VoteChoice, entry domain.VoteProtocolEntry) (*VoteCastResult, error) {
	entryVal, err := encode(entry)
	if err != nil {
		return nil, err
	}
	res, err := castVoteScript.Run(ctx, r.client, []string{
		voteCurrentKey(room),
		voteTokensKey(room, v),
		voteCastKey(room, v),
		voteTallyKey(room, v),
		voteProtocolKey(room, v),
	}, v.String(), string(token), string(choice), entryVal).Slice()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "vote_inactive"):
			return nil, ErrVoteInactive
		case strings.Contains(err.Error(), "invalid_token"):
			return nil, ErrInvalidToken
		case strings.Contains(err.Error(), "token_used"):
			return nil, ErrVoteTokenUsed
		}
		return nil, wrap("cast vote", err)
	}
	castCount, _ := res[0].(int64)
	allowedCount, _ := res[1].(int64)
	return &VoteCastResult{CastCount: castCount, AllowedCount: allowedCount}, nil
}

// endVoteScript terminates the vote only while it is still current; the
// auto-expire timer and a concurrent manual stop race through this CAS.
var endVoteScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

func (r *Redis) EndVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, terminal domain.VoteProtocolEntry, results *domain.VoteResults) error {
	terminalVal, err := encode(terminal)
	if err != nil {
		return err
	}
	resultsVal, err := encode(results)
	if err != nil {
		return err
	}
	n, err := endVoteScript.Run(ctx, r.client, []string{
		voteCurrentKey(room),
		voteProtocolKey(room, v),
		voteResultsKey(room, v),
		voteHistoryKey(room),
	}, v.String(), terminalVal, resultsVal).Int()
	if err != nil {
		return wrap("end vote", err)
	}
	if n == 0 {
		return ErrVoteInactive
	}
	return nil
}

var appendVoteScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

func (r *Redis) AppendVoteEntry(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, entry domain.VoteProtocolEntry) error {
	entryVal, err := encode(entry)
	if err != nil {
		return err
	}
	n, err := appendVoteScript.Run(ctx, r.client, []string{
		voteCurrentKey(room),
		voteProtocolKey(room, v),
	}, v.String(), entryVal).Int()
	if err != nil {
		return wrap("append vote entry", err)
	}
	if n == 0 {
		return ErrVoteInactive
	}
	return nil
}

func (r *Redis) VoteProtocol(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) ([]domain.VoteProtocolEntry, error) {
	list, err := r.client.LRange(ctx, voteProtocolKey(room, v), 0, -1).Result()
	if err != nil {
		return nil, wrap("vote protocol", err)
	}
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

func (r *Redis) VoteTally(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (domain.VoteTally, error) {
	h, err := r.client.HGetAll(ctx, voteTallyKey(room, v)).Result()
	if err != nil {
		return nil, wrap("vote tally", err)
	}
	tally := make(domain.VoteTally, len(h))
	for choice, count := range h {
		var n int64
		if _, err := fmt.Sscan(count, &n); err != nil {
			return nil, wrap("vote tally", err)
		}
		tally[domain.VoteChoice(choice)] = n
	}
	return tally, nil
}

func (r *Redis) VoteResults(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteResults, error) {
	val, err := r.client.Get(ctx, voteResultsKey(room, v)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("vote results", err)
	}
	var res domain.VoteResults
	if err := decode(val, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Redis) VoteHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.VoteID, error) {
	members, err := r.client.SMembers(ctx, voteHistoryKey(room)).Result()
	if err != nil {
		return nil, wrap("vote history", err)
	}
	out := make([]domain.VoteID, 0, len(members))
	for _, s := range members {
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, wrap("vote history", err)
		}
		out = append(out, domain.VoteID(u))
	}
	return out, nil
}

func (r *Redis) DeleteVoteState(ctx context.Context, room domain.SignalingRoom) error {
	return r.deletePattern(ctx, roomKey(room, "legal_vote:")+"*")
}

// --- chat ---

func (r *Redis) AppendChatMessage(ctx context.Context, room domain.SignalingRoom, msg *domain.ChatMessage, cap int64) error {
	val, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, chatHistoryKey(room), val)
		if cap > 0 {
			pipe.LTrim(ctx, chatHistoryKey(room), -cap, -1)
		}
		return nil
	})
	return wrap("append chat", err)
}

func (r *Redis) ChatHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.ChatMessage, error) {
	list, err := r.client.LRange(ctx, chatHistoryKey(room), 0, -1).Result()
	if err != nil {
		return nil, wrap("chat history", err)
	}
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

func (r *Redis) DeleteChatHistory(ctx context.Context, room domain.SignalingRoom) error {
	return wrap("delete chat", r.client.Del(ctx, chatHistoryKey(room)).Err())
}

// --- timer, recording, breakout ---

func (r *Redis) setNX(ctx context.Context, key string, v any) (bool, error) {
	val, err := encode(v)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, key, val, 0).Result()
	return ok, wrap("setnx", err)
}

func (r *Redis) getJSON(ctx context.Context, key string, out any) (bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get", err)
	}
	return true, decode(val, out)
}

// deleteIfIDScript removes the key only while its JSON "id" field still
// matches; guards timer/recording expiry against replaced state.
var deleteIfIDScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if not val then
  return 0
end
local decoded = cjson.decode(val)
if decoded.id ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

func (r *Redis) deleteIfCurrent(ctx context.Context, key, id string) (bool, error) {
	n, err := deleteIfIDScript.Run(ctx, r.client, []string{key}, id).Int()
	return n == 1, wrap("delete if current", err)
}

func (r *Redis) SetTimerIfAbsent(ctx context.Context, room domain.SignalingRoom, t *domain.TimerState) (bool, error) {
	return r.setNX(ctx, timerKey(room), t)
}

func (r *Redis) Timer(ctx context.Context, room domain.SignalingRoom) (*domain.TimerState, error) {
	var t domain.TimerState
	ok, err := r.getJSON(ctx, timerKey(room), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (r *Redis) DeleteTimerIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error) {
	return r.deleteIfCurrent(ctx, timerKey(room), id)
}

func (r *Redis) SetRecordingIfAbsent(ctx context.Context, room domain.SignalingRoom, rec *domain.RecordingState) (bool, error) {
	return r.setNX(ctx, recordingKey(room), rec)
}

func (r *Redis) Recording(ctx context.Context, room domain.SignalingRoom) (*domain.RecordingState, error) {
	var rec domain.RecordingState
	ok, err := r.getJSON(ctx, recordingKey(room), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) DeleteRecordingIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error) {
	return r.deleteIfCurrent(ctx, recordingKey(room), id)
}

func (r *Redis) SetBreakoutIfAbsent(ctx context.Context, room domain.RoomID, cfg *domain.BreakoutConfig) (bool, error) {
	return r.setNX(ctx, breakoutKey(room), cfg)
}

func (r *Redis) BreakoutConfig(ctx context.Context, room domain.RoomID) (*domain.BreakoutConfig, error) {
	var cfg domain.BreakoutConfig
	ok, err := r.getJSON(ctx, breakoutKey(room), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (r *Redis) DeleteBreakout(ctx context.Context, room domain.RoomID) error {
	return wrap("delete breakout", r.client.Del(ctx, breakoutKey(room)).Err())
}

// --- room lock ---

const (
	lockTTL       = 10 * time.Second
	lockRetryWait = 25 * time.Millisecond
)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisLock is a SET NX PX spin lock with an owner token. The TTL bounds
// the damage of a crashed holder; destroy-time critical sections are
// short.
type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (r *Redis) RoomLock(room domain.SignalingRoom) Lock {
	return &redisLock{
		client: r.client,
		key:    roomLockKey(room),
		token:  uuid.NewString(),
	}
}

func (l *redisLock) Acquire(ctx context.Context) error {
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, lockTTL).Result()
		if err != nil {
			return wrap("room lock", err)
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(lockRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	return wrap("room unlock", unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err())
}
