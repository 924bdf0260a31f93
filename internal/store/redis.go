package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/ctxtree"
	"github.com/lyzr/flowengine/internal/value"
)

// RedisStore is the "external store" of §4.4: it writes each value
// under (run_id, ctx_id, var_id) to Redis and exposes Parent so
// ancestor walks keep working when the context manager is replaced by
// this thin shim, per §4.4's closing requirement. It does not carry
// the binary-lifted/segment-tree machinery C3 provides — §9's design
// note explicitly allows substituting a flat per-ctx map here, at the
// cost of O(depth) lookups instead of O(log depth).
//
// Grounded on the teacher's common/redis/client.go: hash-per-entity
// storage (SetHash/GetHash/GetAllHash), pipelined multi-get, and
// Lua-script-guarded idempotent writes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func valuesKey(runID string) string   { return fmt.Sprintf("values:%s", runID) }
func parentsKey(runID string) string  { return fmt.Sprintf("ctxparents:%s", runID) }
func seqKey(runID string) string      { return fmt.Sprintf("ctxseq:%s", runID) }
func fieldKey(c ContextID, varID int) string {
	return fmt.Sprintf("%d:%d", c, varID)
}

// bindScript implements §4.4's idempotent-set rule via a
// small Lua script: a second identical set is a no-op, a conflicting
// one is rejected so the caller can surface ValueConflict.
var bindScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing == false then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
if existing == ARGV[2] then
  return 0
end
return -1
`)

func (s *RedisStore) CreateRoot(ctx context.Context, runID string) (ContextID, error) {
	id, err := s.rdb.Incr(ctx, seqKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: create root: %w", err)
	}
	// Incr's first result is 1, so the root gets context id 0; store no
	// parent entry for it, Parent() treats a missing entry as "no parent".
	return ContextID(id - 1), nil
}

func (s *RedisStore) Bind(ctx context.Context, runID string, c ContextID, varID int, v value.Value) (ContextID, error) {
	newID, err := s.rdb.Incr(ctx, seqKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: bind: allocate ctx id: %w", err)
	}
	child := ContextID(newID - 1)

	if err := s.rdb.HSet(ctx, parentsKey(runID), strconv.FormatInt(int64(child), 10), int64(c)).Err(); err != nil {
		return 0, fmt.Errorf("store: bind: record parent: %w", err)
	}

	data, err := v.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("store: bind: marshal value: %w", err)
	}
	res, err := bindScript.Run(ctx, s.rdb, []string{valuesKey(runID)}, fieldKey(child, varID), data).Int()
	if err != nil {
		return 0, fmt.Errorf("store: bind: %w", err)
	}
	if res < 0 {
		return 0, ErrValueConflict
	}
	return child, nil
}

func (s *RedisStore) Get(ctx context.Context, runID string, c ContextID, varID int) (value.Value, error) {
	cur := c
	for {
		raw, err := s.rdb.HGet(ctx, valuesKey(runID), fieldKey(cur, varID)).Result()
		if err == nil {
			var v value.Value
			if uerr := (&v).UnmarshalBinary([]byte(raw)); uerr != nil {
				return value.Value{}, fmt.Errorf("store: get: %w", uerr)
			}
			return v, nil
		}
		if err != redis.Nil {
			return value.Value{}, fmt.Errorf("store: get: %w", err)
		}
		parent, ok, perr := s.Parent(ctx, runID, cur)
		if perr != nil {
			return value.Value{}, perr
		}
		if !ok {
			return value.Value{}, ctxtree.ErrValueNotBound
		}
		cur = parent
	}
}

// GetMany issues one pipelined read per var at the start context
// before falling back to ancestor walks for any misses, matching
// §4.4's "get_many issues pipelined reads".
func (s *RedisStore) GetMany(ctx context.Context, runID string, c ContextID, varIDs []int) ([]value.Value, error) {
	out := make([]value.Value, len(varIDs))
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(varIDs))
	for i, v := range varIDs {
		cmds[i] = pipe.HGet(ctx, valuesKey(runID), fieldKey(c, v))
	}
	_, _ = pipe.Exec(ctx) // per-command errors (incl. redis.Nil) inspected below

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err == nil {
			var v value.Value
			if uerr := (&v).UnmarshalBinary([]byte(raw)); uerr != nil {
				return nil, fmt.Errorf("store: get_many: %w", uerr)
			}
			out[i] = v
			continue
		}
		if err != redis.Nil {
			return nil, fmt.Errorf("store: get_many: %w", err)
		}
		v, gerr := s.Get(ctx, runID, c, varIDs[i])
		if gerr != nil {
			return nil, gerr
		}
		out[i] = v
	}
	return out, nil
}

func (s *RedisStore) Parent(ctx context.Context, runID string, c ContextID) (ContextID, bool, error) {
	raw, err := s.rdb.HGet(ctx, parentsKey(runID), strconv.FormatInt(int64(c), 10)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: parent: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store: parent: %w", err)
	}
	return ContextID(n), true, nil
}

// Release is a no-op for the external store: Redis retains every
// binding (no TTL is set and nothing deletes a run's keys), unlike the
// in-process store's eager cascading reclamation.
func (s *RedisStore) Release(_ context.Context, _ string, _ ContextID) error {
	return nil
}

// Compare walks both ancestor chains to equal depth, then upward
// together until divergence, and orders by ctx id at the divergence
// point (ctx ids are allocated monotonically by Incr, so a larger id
// is always the later-born sibling). This is the §9-sanctioned
// simpler substitute for C3's binary-lifted LCA when backed by the
// external store.
func (s *RedisStore) Compare(ctx context.Context, runID string, a, b ContextID) (ctxtree.Order, error) {
	if a == b {
		return ctxtree.Equal, nil
	}
	chainA, err := s.ancestorChain(ctx, runID, a)
	if err != nil {
		return 0, err
	}
	chainB, err := s.ancestorChain(ctx, runID, b)
	if err != nil {
		return 0, err
	}
	setB := make(map[ContextID]bool, len(chainB))
	for _, id := range chainB {
		setB[id] = true
	}
	for i, id := range chainA {
		if id == b {
			// b is an ancestor of a => a is deeper => a is greater.
			_ = i
			return ctxtree.Greater, nil
		}
	}
	if setB[a] {
		return ctxtree.Less, nil
	}
	// Neither is the other's ancestor: walk from the root end of each
	// chain to find the first divergence.
	ra, rb := reverseIDs(chainA), reverseIDs(chainB)
	minLen := len(ra)
	if len(rb) < minLen {
		minLen = len(rb)
	}
	for i := 0; i < minLen; i++ {
		if ra[i] != rb[i] {
			if ra[i] < rb[i] {
				return ctxtree.Less, nil
			}
			return ctxtree.Greater, nil
		}
	}
	if a < b {
		return ctxtree.Less, nil
	}
	return ctxtree.Greater, nil
}

func (s *RedisStore) ancestorChain(ctx context.Context, runID string, c ContextID) ([]ContextID, error) {
	chain := []ContextID{c}
	cur := c
	for {
		parent, ok, err := s.Parent(ctx, runID, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return chain, nil
		}
		chain = append(chain, parent)
		cur = parent
	}
}

func reverseIDs(ids []ContextID) []ContextID {
	out := make([]ContextID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
