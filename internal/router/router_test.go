package router

import (
	"testing"

	"github.com/pgdog/pgdog/internal/cluster"
)

func clusterWithShards(n int) *cluster.Cluster {
	shards := make([]*cluster.Shard, n)
	for i := range shards {
		shards[i] = &cluster.Shard{Index: i}
	}
	return &cluster.Cluster{Shards: shards}
}

func TestRouter_CommentHintShardTakesPriority(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cmd, err := r.Route(Context{SQL: "/* pgdog_shard: 2 */ SELECT * FROM orders", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdQuery {
		t.Fatalf("Kind = %v, want CmdQuery", cmd.Kind)
	}
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != 2 {
		t.Fatalf("Shard = %+v, want Direct(2)", cmd.Route.Shard)
	}
	if cmd.Route.ReadWrite != Read {
		t.Fatalf("ReadWrite = %v, want Read for a SELECT", cmd.Route.ReadWrite)
	}
}

func TestRouter_CommentHintWriteVerb(t *testing.T) {
	r := New(nil)
	cmd, err := r.Route(Context{SQL: "/* pgdog_shard: 0 */ UPDATE orders SET status = 'shipped'"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.ReadWrite != Write {
		t.Fatalf("ReadWrite = %v, want Write for UPDATE", cmd.Route.ReadWrite)
	}
}

func TestRouter_SearchPathResolvesOmnishardedSchema(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(3)
	cl.Schemas = map[string]int{"tenant_7": 1}
	cmd, err := r.Route(Context{
		SQL:     "SELECT 1",
		Cluster: cl,
		Session: SessionParams{SearchPath: "tenant_7, public"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != 1 {
		t.Fatalf("Shard = %+v, want Direct(1)", cmd.Route.Shard)
	}
}

func TestRouter_SetPgdogShardRequiresTransaction(t *testing.T) {
	r := New(nil)
	_, err := r.Route(Context{SQL: "SET pgdog.shard TO '3'", InTransaction: false})
	if err != ErrRequiresTransaction {
		t.Fatalf("Route = %v, want ErrRequiresTransaction", err)
	}

	cmd, err := r.Route(Context{SQL: "SET pgdog.shard TO '3'", InTransaction: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdSet || cmd.SetName != "pgdog.shard" || cmd.SetValue != "3" {
		t.Fatalf("unexpected Command: %+v", cmd)
	}
}

func TestRouter_SetOrdinaryParamDoesNotRequireTransaction(t *testing.T) {
	r := New(nil)
	cmd, err := r.Route(Context{SQL: "SET statement_timeout = '30s'"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdSet || cmd.SetName != "statement_timeout" {
		t.Fatalf("unexpected Command: %+v", cmd)
	}
}

func TestRouter_TransactionVerbs(t *testing.T) {
	r := New(nil)
	cases := map[string]CommandKind{
		"BEGIN":             CmdStartTransaction,
		"START TRANSACTION": CmdStartTransaction,
		"COMMIT":            CmdCommit,
		"ROLLBACK":          CmdRollback,
		"DEALLOCATE foo":    CmdDeallocate,
		"COPY t FROM STDIN": CmdCopy,
	}
	for sql, want := range cases {
		cmd, err := r.Route(Context{SQL: sql})
		if err != nil {
			t.Fatalf("Route(%q): %v", sql, err)
		}
		if cmd.Kind != want {
			t.Fatalf("Route(%q).Kind = %v, want %v", sql, cmd.Kind, want)
		}
	}
}

func TestRouter_ListenNotifyUnlistenExtractChannel(t *testing.T) {
	r := New(nil)
	cmd, err := r.Route(Context{SQL: "LISTEN orders_channel"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdListen || cmd.Channel != "orders_channel" {
		t.Fatalf("unexpected Command: %+v", cmd)
	}

	cmd, err = r.Route(Context{SQL: "NOTIFY orders_channel"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdNotify || cmd.Channel != "orders_channel" {
		t.Fatalf("unexpected Command: %+v", cmd)
	}
}

func TestRouter_DMLWithoutShardingColumnGoesToAllShards(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cmd, err := r.Route(Context{SQL: "SELECT * FROM widgets", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != ShardAll {
		t.Fatalf("Shard = %+v, want All", cmd.Route.Shard)
	}
}

func TestRouter_DMLSingleShardClusterGoesDirect(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(1)
	cmd, err := r.Route(Context{SQL: "UPDATE widgets SET qty = 1", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != 0 {
		t.Fatalf("Shard = %+v, want Direct(0)", cmd.Route.Shard)
	}
}

func TestRouter_DMLMatchesBigintShardingKey(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{SQL: "SELECT * FROM orders WHERE customer_id = 42", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := ShardInt(42, 4)
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != want {
		t.Fatalf("Shard = %+v, want Direct(%d)", cmd.Route.Shard, want)
	}
	if cmd.Route.Source != "sharding key match" {
		t.Fatalf("Source = %q", cmd.Route.Source)
	}
}

func TestRouter_DMLBoundParamShardingKeyIsNotMatchedByRegex(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{SQL: "SELECT * FROM orders WHERE customer_id = $1", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != ShardAll {
		t.Fatalf("Shard = %+v, want All when the key is a bound param the router can't see", cmd.Route.Shard)
	}
}

func TestRouter_CrossShardDisabledErrors(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.CrossShardDisabled = true
	_, err := r.Route(Context{SQL: "SELECT * FROM widgets", Cluster: cl})
	if err != ErrCrossShardDisabled {
		t.Fatalf("Route = %v, want ErrCrossShardDisabled", err)
	}
}

func TestRouter_OrderByLimitOffsetExtraction(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cmd, err := r.Route(Context{SQL: "SELECT * FROM widgets ORDER BY created_at DESC LIMIT 10 OFFSET 5", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(cmd.Route.OrderBy) != 1 || cmd.Route.OrderBy[0].Column != "created_at" || !cmd.Route.OrderBy[0].Desc {
		t.Fatalf("OrderBy = %+v", cmd.Route.OrderBy)
	}
	if cmd.Route.Limit == nil || *cmd.Route.Limit != 10 {
		t.Fatalf("Limit = %v, want 10", cmd.Route.Limit)
	}
	if cmd.Route.Offset == nil || *cmd.Route.Offset != 5 {
		t.Fatalf("Offset = %v, want 5", cmd.Route.Offset)
	}
}

func TestRouter_TargetSessionAttrsPrimaryForcesWrite(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cmd, err := r.Route(Context{
		SQL:     "SELECT * FROM widgets",
		Cluster: cl,
		Session: SessionParams{TargetSessionAttrs: "primary"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.ReadWrite != Write {
		t.Fatalf("ReadWrite = %v, want Write when target_session_attrs=primary", cmd.Route.ReadWrite)
	}
}

func TestFingerprint_IgnoresWhitespaceDifferences(t *testing.T) {
	a := Fingerprint("SELECT  *   FROM orders")
	b := Fingerprint("SELECT * FROM orders")
	if a != b {
		t.Fatalf("fingerprints differ for whitespace-only variation: %q vs %q", a, b)
	}
	c := Fingerprint("SELECT * FROM widgets")
	if a == c {
		t.Fatal("fingerprints for different statements should differ")
	}
}

func TestShardInt_DeterministicAndBounded(t *testing.T) {
	idx := ShardInt(12345, 8)
	if idx < 0 || idx >= 8 {
		t.Fatalf("ShardInt out of range: %d", idx)
	}
	if ShardInt(12345, 8) != idx {
		t.Fatal("ShardInt is not deterministic for the same input")
	}
}

func TestShardList_ExactMatch(t *testing.T) {
	col := cluster.ShardingColumn{DataType: "list", ListMap: map[string]int{"us": 0, "eu": 1}}
	idx, ok := ShardList("eu", col)
	if !ok || idx != 1 {
		t.Fatalf("ShardList(eu) = %d, %v, want 1, true", idx, ok)
	}
	if _, ok := ShardList("ap", col); ok {
		t.Fatal("expected no match for an unmapped list value")
	}
}

func TestShardRange_HalfOpenIntervals(t *testing.T) {
	col := cluster.ShardingColumn{
		DataType: "range",
		RangeMap: []cluster.RangeEntry{
			{Low: 0, High: 100, Shard: 0},
			{Low: 100, High: 200, Shard: 1},
		},
	}
	if idx, ok := ShardRange(50, col); !ok || idx != 0 {
		t.Fatalf("ShardRange(50) = %d, %v, want 0, true", idx, ok)
	}
	if idx, ok := ShardRange(100, col); !ok || idx != 1 {
		t.Fatalf("ShardRange(100) = %d, %v, want 1, true (half-open upper bound)", idx, ok)
	}
	if _, ok := ShardRange(200, col); ok {
		t.Fatal("expected no match past the configured ranges")
	}
}

func TestShardVector_PicksNearestCentroid(t *testing.T) {
	col := cluster.ShardingColumn{Centroids: [][]float64{{0, 0}, {10, 10}}}
	idx, ok := ShardVector([]float64{1, 1}, col, 2)
	if !ok || idx != 0 {
		t.Fatalf("ShardVector near origin = %d, %v, want 0, true", idx, ok)
	}
	idx, ok = ShardVector([]float64{9, 9}, col, 2)
	if !ok || idx != 1 {
		t.Fatalf("ShardVector near (10,10) = %d, %v, want 1, true", idx, ok)
	}
}

func TestShardStr_VectorLiteralRoutesByDistance(t *testing.T) {
	col := cluster.ShardingColumn{DataType: "vector", Centroids: [][]float64{{0, 0, 0}, {5, 5, 5}}}
	idx, ok := ShardStr("[5.1,4.9,5.0]", col, 2)
	if !ok || idx != 1 {
		t.Fatalf("ShardStr vector literal = %d, %v, want 1, true", idx, ok)
	}
}

func TestRouter_RoleHintOverridesVerbClassification(t *testing.T) {
	r := New(nil)
	cmd, err := r.Route(Context{SQL: "/* pgdog_role: replica */ SELECT * FROM widgets FOR UPDATE"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.ReadWrite != Read {
		t.Fatalf("ReadWrite = %v, want Read via pgdog_role hint", cmd.Route.ReadWrite)
	}

	cmd, err = r.Route(Context{SQL: "/* pgdog_role: primary */ SELECT * FROM widgets"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.ReadWrite != Write {
		t.Fatalf("ReadWrite = %v, want Write via pgdog_role hint", cmd.Route.ReadWrite)
	}
}

func TestRouter_QueryParserRequiredWhenDisabledOnShardedCluster(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.QueryParserLevel = "off"
	_, err := r.Route(Context{SQL: "SELECT * FROM widgets", Cluster: cl})
	if err != ErrQueryParserRequired {
		t.Fatalf("Route = %v, want ErrQueryParserRequired", err)
	}

	cl.QueryParserLevel = "hints_only"
	_, err = r.Route(Context{SQL: "SELECT * FROM widgets", Cluster: cl})
	if err != ErrQueryParserRequired {
		t.Fatalf("Route = %v, want ErrQueryParserRequired for hints_only", err)
	}

	// A shard hint still short-circuits before routeDML's gate applies.
	cmd, err := r.Route(Context{SQL: "/* pgdog_shard: 1 */ SELECT * FROM widgets", Cluster: cl})
	if err != nil {
		t.Fatalf("Route with shard hint: %v", err)
	}
	if cmd.Route.Shard.Indexes[0] != 1 {
		t.Fatalf("Shard = %+v, want Direct(1)", cmd.Route.Shard)
	}
}

func TestRouter_MultiShardingFunctionErrors(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders":  {Table: "orders", Column: "customer_id", DataType: "bigint"},
		"tenants": {Table: "tenants", Column: "region", DataType: "list"},
	}
	_, err := r.Route(Context{SQL: "SET pgdog.sharding_key TO '42'", Cluster: cl, InTransaction: true})
	if err != ErrMultiSharding {
		t.Fatalf("Route = %v, want ErrMultiSharding", err)
	}
}

func TestRouter_ShardKeyUpdateForbiddenWhenRewriteNotIgnored(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.RewriteShardKey = "error"
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	_, err := r.Route(Context{SQL: "UPDATE orders SET customer_id = 7 WHERE id = 1", Cluster: cl})
	if err != ErrShardKeyUpdate {
		t.Fatalf("Route = %v, want ErrShardKeyUpdate", err)
	}

	// Updating an unrelated column is still permitted.
	cmd, err := r.Route(Context{SQL: "UPDATE orders SET status = 'shipped' WHERE id = 1", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	_ = cmd
}

func TestRouter_ShardKeyUpdatePermittedWhenIgnore(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.RewriteShardKey = "ignore"
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	_, err := r.Route(Context{SQL: "UPDATE orders SET customer_id = 7 WHERE id = 1", Cluster: cl})
	if err != nil {
		t.Fatalf("Route: %v, want no error when rewrite.shard_key is ignore", err)
	}
}

func TestRouter_InsertSingleRowMatchesShardingKey(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{
		SQL:     "INSERT INTO orders (customer_id, status) VALUES (42, 'new')",
		Cluster: cl,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := ShardInt(42, 4)
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != want {
		t.Fatalf("Shard = %+v, want Direct(%d)", cmd.Route.Shard, want)
	}
}

func TestRouter_InsertMultiRowFallsBackToAllShards(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{
		SQL:     "INSERT INTO orders (customer_id, status) VALUES (42, 'new'), (7, 'new')",
		Cluster: cl,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != ShardAll {
		t.Fatalf("Shard = %+v, want All for a multi-row INSERT", cmd.Route.Shard)
	}
}

func TestRouter_InsertBoundParamResolvesShardingKey(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{
		SQL:         "INSERT INTO orders (customer_id, status) VALUES ($1, $2)",
		Cluster:     cl,
		BoundParams: []BoundParam{{Text: "42"}, {Text: "new"}},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := ShardInt(42, 4)
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != want {
		t.Fatalf("Shard = %+v, want Direct(%d)", cmd.Route.Shard, want)
	}
}

func TestRouter_DMLBoundParamShardingKeyResolvesWhenSupplied(t *testing.T) {
	r := New(nil)
	cl := clusterWithShards(4)
	cl.ShardingSchema.Tables = map[string]cluster.ShardingColumn{
		"orders": {Table: "orders", Column: "customer_id", DataType: "bigint"},
	}
	cmd, err := r.Route(Context{
		SQL:         "SELECT * FROM orders WHERE customer_id = $1",
		Cluster:     cl,
		BoundParams: []BoundParam{{Text: "42"}},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := ShardInt(42, 4)
	if cmd.Route.Shard.Kind != ShardDirect || cmd.Route.Shard.Indexes[0] != want {
		t.Fatalf("Shard = %+v, want Direct(%d) once BoundParams resolves $1", cmd.Route.Shard, want)
	}
}

func TestShardStr_UUIDFallback(t *testing.T) {
	idx, ok := ShardStr("5d1b2c5a-6e6b-4f2e-9a3e-7d2f9c8e1a00", cluster.ShardingColumn{}, 4)
	if !ok {
		t.Fatal("expected a UUID-shaped literal to resolve via ShardUUID")
	}
	if idx < 0 || idx >= 4 {
		t.Fatalf("ShardStr UUID index out of range: %d", idx)
	}
}
