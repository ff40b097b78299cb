package router

import (
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/pgdog/pgdog/internal/cluster"
)

// hashint8 stands in for PostgreSQL's hashint8extended, mixing a signed
// 64-bit value into a 64-bit hash. The original source calls out to
// Postgres's own C implementation via FFI (not present in this port);
// this is a from-scratch, deterministic substitute documented in
// DESIGN.md — not a bit-for-bit match to Postgres's internal hash, but
// stable, collision-resistant, and independent of process/platform.
func hashint8(id int64) uint64 {
	v := uint64(id)
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}

func hashBytes(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// hashCombine64 mirrors boost::hash_combine generalized to 64 bits,
// standing in for the original's hash_combine64 FFI call.
func hashCombine64(seed, value uint64) uint64 {
	seed ^= value + 0x9e3779b97f4a7c15 + (seed << 6) + (seed >> 2)
	return seed
}

// BigintShardValue computes the sharding hash for a BIGINT key.
func BigintShardValue(id int64) uint64 {
	return hashCombine64(0, hashint8(id))
}

// UUIDShardValue computes the sharding hash for a UUID key.
func UUIDShardValue(id uuid.UUID) uint64 {
	b := id[:]
	return hashCombine64(0, hashBytes(b))
}

// ShardInt maps a bigint value to a shard index by hash mod shard count.
func ShardInt(value int64, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	h := BigintShardValue(value)
	return int(h % uint64(numShards))
}

// ShardUUID maps a UUID value to a shard index.
func ShardUUID(id uuid.UUID, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	h := UUIDShardValue(id)
	return int(h % uint64(numShards))
}

// ShardStr attempts to derive a shard index from a literal/bound-value
// string: a bracketed vector literal routes by centroid distance; else
// try int64; else try UUID; else report no match.
func ShardStr(value string, col cluster.ShardingColumn, numShards int) (int, bool) {
	if len(value) > 0 && value[0] == '[' {
		vec, ok := parseVector(value)
		if !ok {
			return 0, false
		}
		return ShardVector(vec, col, numShards)
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ShardInt(n, numShards), true
	}
	if id, err := uuid.Parse(value); err == nil {
		return ShardUUID(id, numShards), true
	}
	return 0, false
}

// ShardVector picks the shard of the nearest centroid by L2 distance.
func ShardVector(vec []float64, col cluster.ShardingColumn, numShards int) (int, bool) {
	if len(col.Centroids) == 0 {
		return 0, false
	}
	best := -1
	bestDist := math.MaxFloat64
	for i, c := range col.Centroids {
		d := l2Distance(vec, c)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	if numShards > 0 {
		return best % numShards, true
	}
	return best, true
}

func l2Distance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func parseVector(s string) ([]float64, bool) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, false
	}
	s = s[1 : len(s)-1]
	var out []float64
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			if part != "" {
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil, false
				}
				out = append(out, f)
			}
			start = i + 1
		}
	}
	return out, len(out) > 0
}

// ShardList resolves a list-sharded value via an exact map lookup.
func ShardList(value string, col cluster.ShardingColumn) (int, bool) {
	i, ok := col.ListMap[value]
	return i, ok
}

// ShardRange resolves a range-sharded value via its configured interval
// map, returning the first interval (in configured order) that contains
// it. Overlap and coverage of the intervals are not validated.
func ShardRange(value int64, col cluster.ShardingColumn) (int, bool) {
	for _, r := range col.RangeMap {
		if value >= r.Low && value < r.High {
			return r.Shard, true
		}
	}
	return 0, false
}
