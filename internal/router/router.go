// Package router implements query fingerprinting, comment-hint and
// SET-based session pin extraction, and statement dispatch into a
// Route or Command. This is intentionally a lightweight regex-based
// scanner rather than a full SQL grammar parser: the hot path cares
// about table name, statement verb, and WHERE/VALUES equality keys,
// not full AST fidelity.
package router

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"github.com/pgdog/pgdog/internal/cache"
	"github.com/pgdog/pgdog/internal/cluster"
)

// ShardTarget is the router's shard decision.
type ShardTarget struct {
	Kind    ShardKind
	Indexes []int // populated for Direct (len 1) and Multi (len>1)
}

type ShardKind int

const (
	ShardUnknown ShardKind = iota
	ShardDirect
	ShardMulti
	ShardAll
)

func Direct(i int) ShardTarget  { return ShardTarget{Kind: ShardDirect, Indexes: []int{i}} }
func Multi(is []int) ShardTarget { return ShardTarget{Kind: ShardMulti, Indexes: is} }
func All() ShardTarget           { return ShardTarget{Kind: ShardAll} }

// IsCrossShard reports shard is All or Multi(len>1), per spec §4.6.
func (s ShardTarget) IsCrossShard() bool {
	return s.Kind == ShardAll || (s.Kind == ShardMulti && len(s.Indexes) > 1)
}

type ReadWrite int

const (
	Read ReadWrite = iota
	Write
)

// Route is the parser's output for a Query command.
type Route struct {
	Shard        ShardTarget
	ReadWrite    ReadWrite
	LockSession  bool
	FDWFallback  bool
	OrderBy      []OrderKey
	Limit        *int
	Offset       *int
	Source       string // why this shard was chosen
}

type OrderKey struct {
	Column string
	Desc   bool
}

// CommandKind tags the router's decision to the engine (spec §3 Command).
type CommandKind int

const (
	CmdQuery CommandKind = iota
	CmdCopy
	CmdListen
	CmdNotify
	CmdUnlisten
	CmdStartTransaction
	CmdRollback
	CmdCommit
	CmdSet
	CmdDeallocate
	CmdShowInternal
	CmdUniqueID
	CmdFake
)

type Command struct {
	Kind     CommandKind
	Route    Route
	SetName  string
	SetValue string
	Channel  string
	Payload  string
	Field    string
	Value    string
	RawSQL   string
}

var (
	ErrQueryParserRequired  = fmt.Errorf("router: query parser required for sharded cluster")
	ErrCrossShardDisabled   = fmt.Errorf("router: cross-shard queries are disabled")
	ErrRequiresTransaction  = fmt.Errorf("router: this command requires a transaction")
	ErrMultiSharding        = fmt.Errorf("router: config has more than one sharding function")
	ErrShardKeyUpdate       = fmt.Errorf("router: sharding key updates are forbidden")
)

var (
	hintShardRe = regexp.MustCompile(`/\*\s*pgdog_shard:\s*(\d+)\s*\*/`)
	hintRoleRe  = regexp.MustCompile(`/\*\s*pgdog_role:\s*(primary|replica)\s*\*/`)
	hintFDWRe   = regexp.MustCompile(`/\*\s*pgdog_cross_shard_backend:\s*fdw\s*\*/`)

	leadingCommentRe = regexp.MustCompile(`(?is)^(?:\s*/\*.*?\*/)+`)

	verbRe        = regexp.MustCompile(`(?is)^\s*(SELECT|INSERT|UPDATE|DELETE|BEGIN|START\s+TRANSACTION|COMMIT|ROLLBACK|SAVEPOINT|PREPARE|EXECUTE|DEALLOCATE|COPY|SET|SHOW|LISTEN|NOTIFY|UNLISTEN)\b`)
	fromTableRe   = regexp.MustCompile(`(?is)\bFROM\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?`)
	intoTableRe   = regexp.MustCompile(`(?is)\bINSERT\s+INTO\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?`)
	updateTableRe = regexp.MustCompile(`(?is)\bUPDATE\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?`)
	whereEqRe     = regexp.MustCompile(`(?is)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(\$\d+|'[^']*'|\d+)`)
	orderByRe     = regexp.MustCompile(`(?is)\bORDER\s+BY\s+([a-zA-Z0-9_,\s]+?)(?:\s+(ASC|DESC))?\s*(?:LIMIT|OFFSET|$)`)
	limitRe       = regexp.MustCompile(`(?is)\bLIMIT\s+(\d+)`)
	offsetRe      = regexp.MustCompile(`(?is)\bOFFSET\s+(\d+)`)
	setRe         = regexp.MustCompile(`(?is)^\s*SET\s+([a-zA-Z0-9_.]+)\s*(?:TO|=)\s*'?([^';]*)'?`)

	insertColsRe  = regexp.MustCompile(`(?is)\bINSERT\s+INTO\s+"?[a-zA-Z_][a-zA-Z0-9_]*"?\s*\(([^)]*)\)\s*VALUES\s*(.+)`)
	valuesTupleRe = regexp.MustCompile(`\(([^()]*)\)`)
	updateSetRe   = regexp.MustCompile(`(?is)\bUPDATE\b.*?\bSET\s+(.*?)(?:\bWHERE\b|$)`)
	assignColRe   = regexp.MustCompile(`^\s*"?([a-zA-Z_][a-zA-Z0-9_]*)"?\s*=`)
)

// SessionParams is the subset of session/startup state the router
// consults (search_path, pgdog.* overrides, target_session_attrs).
type SessionParams struct {
	SearchPath        string
	PGDogShard        *int
	PGDogShardingKey  string
	PGDogRole         string
	TargetSessionAttrs string
}

// Context carries everything the router needs for one request, per
// spec's RouterContext.
type Context struct {
	SQL           string
	BoundParams   []BoundParam
	Cluster       *cluster.Cluster
	Session       SessionParams
	InTransaction bool
}

type BoundParam struct {
	Text   string
	Binary []byte
	IsNull bool
}

// Router parses requests into Commands, consulting a shared plan cache.
type Router struct {
	plans *cache.PlanCache
}

func New(plans *cache.PlanCache) *Router {
	return &Router{plans: plans}
}

// Fingerprint normalises SQL text by collapsing whitespace and hashes it
// (FNV-1a) for the plan cache key. Literal values are kept, so two
// statements that differ only in a literal get different fingerprints.
func Fingerprint(sql string) string {
	norm := strings.Join(strings.Fields(sql), " ")
	h := fnv.New64a()
	h.Write([]byte(norm))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Route parses ctx.SQL (after hints/SET/search_path short-circuits) and
// produces a Command.
func (r *Router) Route(ctx Context) (Command, error) {
	sql := ctx.SQL

	// 1. Comment hints short-circuit everything else.
	if m := hintShardRe.FindStringSubmatch(sql); m != nil {
		idx, _ := strconv.Atoi(m[1])
		route := Route{Shard: Direct(idx), ReadWrite: readWriteOf(stripLeadingComments(sql)), Source: "comment hint pgdog_shard"}
		if hintFDWRe.MatchString(sql) {
			route.FDWFallback = true
		}
		return r.finish(ctx, Command{Kind: CmdQuery, Route: route, RawSQL: sql})
	}

	// 2. Schema-by-search-path for omnisharded databases.
	if ctx.Session.SearchPath != "" && ctx.Cluster != nil {
		for _, schema := range strings.Split(ctx.Session.SearchPath, ",") {
			schema = strings.TrimSpace(schema)
			if idx, ok := ctx.Cluster.SchemaShard(schema); ok {
				route := Route{Shard: Direct(idx), ReadWrite: readWriteOf(sql), Source: "search_path schema"}
				return r.finish(ctx, Command{Kind: CmdQuery, Route: route, RawSQL: sql})
			}
		}
	}

	// 3. SET handling.
	if sm := setRe.FindStringSubmatch(sql); sm != nil {
		name, value := strings.ToLower(sm[1]), strings.TrimSpace(sm[2])
		switch name {
		case "pgdog.shard":
			if !ctx.InTransaction {
				return Command{}, ErrRequiresTransaction
			}
		case "pgdog.sharding_key":
			if !ctx.InTransaction {
				return Command{}, ErrRequiresTransaction
			}
			if shardingFunctionCount(ctx.Cluster) > 1 {
				return Command{}, ErrMultiSharding
			}
		}
		return Command{Kind: CmdSet, SetName: name, SetValue: value, RawSQL: sql}, nil
	}

	verbM := verbRe.FindStringSubmatch(sql)
	verb := ""
	if verbM != nil {
		verb = strings.ToUpper(strings.Fields(verbM[1])[0])
	}

	switch verb {
	case "BEGIN", "START":
		return Command{Kind: CmdStartTransaction, RawSQL: sql}, nil
	case "COMMIT":
		return Command{Kind: CmdCommit, RawSQL: sql}, nil
	case "ROLLBACK":
		return Command{Kind: CmdRollback, RawSQL: sql}, nil
	case "DEALLOCATE":
		return Command{Kind: CmdDeallocate, RawSQL: sql}, nil
	case "LISTEN", "NOTIFY", "UNLISTEN":
		return r.routePubSub(ctx, verb, sql)
	case "COPY":
		return Command{Kind: CmdCopy, RawSQL: sql}, nil
	}

	// 4/5. AST-lite dispatch; every statement is scanned afresh.
	route, err := r.routeDML(ctx, verb, sql)
	if err != nil {
		return Command{}, err
	}

	return r.finish(ctx, Command{Kind: CmdQuery, Route: route, RawSQL: sql})
}

func (r *Router) routePubSub(ctx Context, verb, sql string) (Command, error) {
	fields := strings.Fields(sql)
	channel := ""
	if len(fields) > 1 {
		channel = strings.Trim(fields[1], "';")
	}
	switch verb {
	case "LISTEN":
		return Command{Kind: CmdListen, Channel: channel, RawSQL: sql}, nil
	case "UNLISTEN":
		return Command{Kind: CmdUnlisten, Channel: channel, RawSQL: sql}, nil
	default:
		return Command{Kind: CmdNotify, Channel: channel, RawSQL: sql}, nil
	}
}

// roleHintOverride reports the ReadWrite a /* pgdog_role: ... */ hint
// forces a route to, regardless of how the statement's verb would
// otherwise classify it.
func roleHintOverride(sql string) (ReadWrite, bool) {
	m := hintRoleRe.FindStringSubmatch(sql)
	if m == nil {
		return 0, false
	}
	if strings.EqualFold(m[1], "primary") {
		return Write, true
	}
	return Read, true
}

func readWriteOf(sql string) ReadWrite {
	if verbRe.MatchString(sql) {
		v := strings.ToUpper(strings.Fields(verbRe.FindStringSubmatch(sql)[1])[0])
		if v == "SELECT" || v == "SHOW" {
			return Read
		}
	}
	return Write
}

// routeDML extracts the target table and sharding key, computing a
// Direct/Multi/All shard target per spec §4.6 point 5.
func (r *Router) routeDML(ctx Context, verb, sql string) (Route, error) {
	if ctx.Cluster != nil && ctx.Cluster.NumShards() > 1 && parserDisabled(ctx.Cluster.QueryParserLevel) {
		return Route{}, ErrQueryParserRequired
	}

	var table string
	switch verb {
	case "SELECT":
		if m := fromTableRe.FindStringSubmatch(sql); m != nil {
			table = m[1]
		}
	case "INSERT":
		if m := intoTableRe.FindStringSubmatch(sql); m != nil {
			table = m[1]
		}
	case "UPDATE", "DELETE":
		if m := updateTableRe.FindStringSubmatch(sql); m != nil {
			table = m[1]
		} else if m := fromTableRe.FindStringSubmatch(sql); m != nil {
			table = m[1]
		}
	}

	numShards := 1
	var col cluster.ShardingColumn
	haveCol := false
	if ctx.Cluster != nil {
		numShards = ctx.Cluster.NumShards()
		if numShards == 0 {
			numShards = 1
		}
		if c, ok := ctx.Cluster.ShardingSchema.Tables[table]; ok {
			col = c
			haveCol = true
		}
	}

	// With the parser disabled, multi-shard clusters were rejected
	// above; everything else gets the same extraction as with it on.
	if !haveCol {
		rw := readWriteOf(sql)
		route := Route{Shard: All(), ReadWrite: rw, Source: "no sharding column match"}
		if verb == "SELECT" {
			route.Shard = All()
			applyOrderLimitOffset(&route, sql)
		} else if ctx.Cluster != nil && numShards == 1 {
			route.Shard = Direct(0)
		}
		if ctx.Cluster != nil && ctx.Cluster.CrossShardDisabled && route.Shard.IsCrossShard() {
			return Route{}, ErrCrossShardDisabled
		}
		return route, nil
	}

	if verb == "UPDATE" && shardKeyRewriteEnforced(ctx.Cluster) {
		if containsFold(updatedColumns(sql), col.Column) {
			return Route{}, ErrShardKeyUpdate
		}
	}

	var shardIdx int
	var ok bool
	if verb == "INSERT" {
		shardIdx, ok = matchInsertShardingKey(sql, col, numShards, ctx.BoundParams)
	} else {
		shardIdx, ok = matchShardingKey(sql, col, numShards, ctx.BoundParams)
	}
	rw := readWriteOf(sql)
	var route Route
	if ok {
		route = Route{Shard: Direct(shardIdx), ReadWrite: rw, Source: "sharding key match"}
	} else {
		route = Route{Shard: All(), ReadWrite: rw, Source: "no literal/bound sharding key"}
		if verb == "SELECT" {
			applyOrderLimitOffset(&route, sql)
		}
	}

	if ctx.Cluster != nil && ctx.Cluster.CrossShardDisabled && route.Shard.IsCrossShard() {
		return Route{}, ErrCrossShardDisabled
	}
	return route, nil
}

func matchShardingKey(sql string, col cluster.ShardingColumn, numShards int, params []BoundParam) (int, bool) {
	for _, m := range whereEqRe.FindAllStringSubmatch(sql, -1) {
		if !strings.EqualFold(m[1], col.Column) {
			continue
		}
		value, ok := resolveParamValue(m[2], params)
		if !ok {
			continue
		}
		if idx, ok := shardForValue(value, col, numShards); ok {
			return idx, true
		}
	}
	return 0, false
}

// matchInsertShardingKey locates the sharding column in an INSERT's
// column list and resolves its value from the matching VALUES tuple.
// Multi-row INSERTs are left unmatched (the caller falls back to
// fanning the statement out to every shard) since the engine sends one
// identical SQL string to each checked-out shard and cannot split a
// single INSERT into per-row, per-shard statements.
func matchInsertShardingKey(sql string, col cluster.ShardingColumn, numShards int, params []BoundParam) (int, bool) {
	m := insertColsRe.FindStringSubmatch(sql)
	if m == nil {
		return 0, false
	}
	cols := strings.Split(m[1], ",")
	colIdx := -1
	for i, c := range cols {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(c), `"`), col.Column) {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return 0, false
	}

	tuples := valuesTupleRe.FindAllStringSubmatch(m[2], -1)
	if len(tuples) != 1 {
		return 0, false
	}
	vals := splitValuesTuple(tuples[0][1])
	if colIdx >= len(vals) {
		return 0, false
	}
	value, ok := resolveParamValue(vals[colIdx], params)
	if !ok {
		return 0, false
	}
	return shardForValue(value, col, numShards)
}

// splitValuesTuple splits one VALUES tuple's body on top-level commas,
// keeping commas inside single-quoted literals intact.
func splitValuesTuple(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			cur.WriteByte(ch)
		case ch == ',' && !inQuote:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}

// resolveParamValue resolves a WHERE/VALUES token to its literal text:
// a quoted or bare literal is used as-is, a "$N" placeholder is looked
// up in the Bind-decoded params (NULL and binary-format values are
// reported as unresolved since they can't be compared as shard keys).
func resolveParamValue(raw string, params []BoundParam) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "$") {
		n, err := strconv.Atoi(raw[1:])
		if err != nil || n < 1 || n > len(params) {
			return "", false
		}
		p := params[n-1]
		if p.IsNull || p.Binary != nil {
			return "", false
		}
		return p.Text, true
	}
	return strings.Trim(raw, "'"), true
}

func shardForValue(value string, col cluster.ShardingColumn, numShards int) (int, bool) {
	switch col.DataType {
	case "list":
		return ShardList(value, col)
	case "range":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return ShardRange(n, col)
		}
		return 0, false
	default:
		return ShardStr(value, col, numShards)
	}
}

// parserDisabled reports whether level disables table/WHERE extraction
// for non-hinted queries on a multi-shard cluster ("off"/"hints_only").
// Empty and "full" both mean fully enabled.
func parserDisabled(level string) bool {
	switch strings.ToLower(level) {
	case "off", "hints_only":
		return true
	default:
		return false
	}
}

// shardingFunctionCount counts the distinct sharding data types
// configured across a cluster's sharded tables.
func shardingFunctionCount(cl *cluster.Cluster) int {
	if cl == nil {
		return 0
	}
	seen := map[string]struct{}{}
	for _, col := range cl.ShardingSchema.Tables {
		seen[col.DataType] = struct{}{}
	}
	return len(seen)
}

// shardKeyRewriteEnforced reports whether UPDATE/DELETE statements that
// reassign a sharding column must be rejected. "ignore" (and the empty
// default) permit the rewrite; anything else forbids it.
func shardKeyRewriteEnforced(cl *cluster.Cluster) bool {
	if cl == nil {
		return false
	}
	switch strings.ToLower(cl.RewriteShardKey) {
	case "", "ignore":
		return false
	default:
		return true
	}
}

// updatedColumns returns the column names assigned by an UPDATE's SET
// clause.
func updatedColumns(sql string) []string {
	m := updateSetRe.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	var cols []string
	for _, part := range strings.Split(m[1], ",") {
		if cm := assignColRe.FindStringSubmatch(part); cm != nil {
			cols = append(cols, cm[1])
		}
	}
	return cols
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// stripLeadingComments removes leading /* ... */ comment hints so
// readWriteOf's anchored verb match can see past them.
func stripLeadingComments(sql string) string {
	return leadingCommentRe.ReplaceAllString(sql, "")
}

func applyOrderLimitOffset(route *Route, sql string) {
	if m := orderByRe.FindStringSubmatch(sql); m != nil {
		desc := strings.EqualFold(m[2], "DESC")
		for _, col := range strings.Split(m[1], ",") {
			col = strings.TrimSpace(col)
			if col != "" {
				route.OrderBy = append(route.OrderBy, OrderKey{Column: col, Desc: desc})
			}
		}
	}
	if m := limitRe.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[1])
		route.Limit = &n
	}
	if m := offsetRe.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[1])
		route.Offset = &n
	}
}

// finish applies the role-hint / target-session-attrs override and, when
// the fingerprint is not yet cached, stores the statement's raw SQL
// under it. Routing never reads the cached value back.
func (r *Router) finish(ctx Context, cmd Command) (Command, error) {
	if rw, ok := roleHintOverride(ctx.SQL); ok {
		cmd.Route.ReadWrite = rw
	} else if ctx.Session.TargetSessionAttrs == "primary" {
		cmd.Route.ReadWrite = Write
	}
	if r.plans != nil {
		fp := Fingerprint(ctx.SQL)
		if _, ok := r.plans.Get(fp); !ok {
			r.plans.SetAndNotify(fp, []byte(cmd.RawSQL))
		}
	}
	return cmd, nil
}
