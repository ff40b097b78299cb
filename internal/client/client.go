// Package client implements the frontend half of the proxy: one
// client's startup/auth handshake, its transaction-boundary checkout
// and release against a Cluster, router consultation, prepared
// statement rewriting, multi-shard fan-out/reduction, and two-phase
// commit. The relay loop runs in transaction-pooling mode: session-pin
// detection, then reset-and-return at ReadyForQuery('I'), with
// one-server-per-shard bookkeeping for multi-shard transactions.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/pgdog/pgdog/internal/cluster"
	"github.com/pgdog/pgdog/internal/lb"
	"github.com/pgdog/pgdog/internal/metrics"
	"github.com/pgdog/pgdog/internal/prepared"
	"github.com/pgdog/pgdog/internal/router"
	"github.com/pgdog/pgdog/internal/server"
	"github.com/pgdog/pgdog/internal/uniqueid"
	"github.com/pgdog/pgdog/internal/wire"
)

var (
	ErrAdminOnly = errors.New("client: admin command on non-admin database")
)

// Options configures one client connection's engine.
type Options struct {
	Cluster            *cluster.Cluster
	Router             *router.Router
	PreparedGlobal     *prepared.Global
	TwoPCEnabled       bool
	AdminHandler       AdminHandler
	UniqueIDGen        *uniqueid.Generator
	BackendPID         uint32
	BackendKey         uint32
}

// AdminHandler processes a simple-query command against the admin
// virtual database, writing its synthetic response directly to conn.
type AdminHandler func(conn net.Conn, sql string) error

// held tracks one checked-out backend for the lifetime of a
// transaction (or a single autocommit statement).
type held struct {
	srv        *server.Server
	target     *lb.Target
	shardIdx   int
	names      *prepared.ServerSide
	twoPCID    string
}

// Client drives one frontend connection end to end.
type Client struct {
	conn net.Conn
	opts Options

	names *prepared.ClientNames

	inTransaction bool
	sessionErr    bool
	session       router.SessionParams

	heldByShard map[int]*held

	// parseBodies caches each client-visible statement's raw Parse
	// message body, keyed by that client-visible name. Routing a
	// prepared statement needs Bind's parameter values, which aren't
	// known yet at Parse time, so the actual backend Parse is deferred
	// until Bind resolves a shard; this is what gets replayed then.
	parseBodies map[string][]byte

	serverNamesMu serverNamesTable
}

// serverNamesTable tracks per-backend prepared-statement state across
// checkouts, keyed by the server pointer; a fresh ServerSide is
// created the first time a given backend is seen and reset when it is
// returned to the pool (the pool may hand the same connection back to
// a different client later with no prepared-statement history).
type serverNamesTable struct {
	m map[*server.Server]*prepared.ServerSide
}

func newServerNamesTable() serverNamesTable {
	return serverNamesTable{m: map[*server.Server]*prepared.ServerSide{}}
}

func (t *serverNamesTable) get(s *server.Server) *prepared.ServerSide {
	if ns, ok := t.m[s]; ok {
		return ns
	}
	ns := prepared.NewServerSide()
	t.m[s] = ns
	return ns
}

// New constructs a Client engine for an already-authenticated frontend
// connection.
func New(conn net.Conn, opts Options) *Client {
	return &Client{
		conn:          conn,
		opts:          opts,
		names:         prepared.NewClientNames(),
		heldByShard:   map[int]*held{},
		parseBodies:   map[string][]byte{},
		serverNamesMu: newServerNamesTable(),
	}
}

// Run sends the synthetic startup response and then services frontend
// messages until the client disconnects or sends Terminate.
func (c *Client) Run(params map[string]string) error {
	if err := c.sendSyntheticStartup(params); err != nil {
		return err
	}
	defer c.releaseAll(true)

	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return nil // client disconnect
		}
		switch msg.Type {
		case wire.Terminate:
			return nil
		case wire.Query:
			if err := c.handleSimpleQuery(string(trimNull(msg.Body))); err != nil {
				if c.sendError(err) != nil {
					return nil
				}
			}
		case wire.Parse, wire.Bind, wire.Describe, wire.Execute, wire.Sync, wire.Flush, wire.Close:
			if err := c.handleExtended(msg); err != nil {
				if c.sendError(err) != nil {
					return nil
				}
			}
		default:
			// CopyData/CopyDone/CopyFail and anything else: forward to
			// the currently held backend if one exists, otherwise drop.
			if h := c.anyHeld(); h != nil {
				_ = h.srv.Send(msg.Type, msg.Body)
			}
		}
	}
}

func trimNull(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

func (c *Client) sendSyntheticStartup(params map[string]string) error {
	authOK := make([]byte, 4)
	if err := wire.WriteMessage(c.conn, wire.Authentication, authOK); err != nil {
		return err
	}
	for k, v := range params {
		if err := wire.WriteMessage(c.conn, wire.ParameterStatus, wire.BuildParameterStatus(k, v)); err != nil {
			return err
		}
	}
	if err := wire.WriteMessage(c.conn, wire.BackendKeyData, wire.BuildBackendKeyData(c.opts.BackendPID, c.opts.BackendKey)); err != nil {
		return err
	}
	return c.sendReady('I')
}

func (c *Client) sendReady(status byte) error {
	return wire.WriteMessage(c.conn, wire.ReadyForQuery, []byte{status})
}

func (c *Client) sendError(err error) error {
	var execErr *server.ExecutionError
	if errors.As(err, &execErr) {
		return wire.WriteMessage(c.conn, wire.ErrorResponse, wire.BuildErrorResponse(execErr.Severity, execErr.Code, execErr.Message))
	}
	werr := wire.WriteMessage(c.conn, wire.ErrorResponse, wire.BuildErrorResponse("ERROR", "XX000", err.Error()))
	if werr != nil {
		return werr
	}
	status := byte('I')
	if c.inTransaction {
		status = 'E'
	}
	return c.sendReady(status)
}

func (c *Client) anyHeld() *held {
	for _, h := range c.heldByShard {
		return h
	}
	return nil
}

// handleSimpleQuery routes, checks out, forwards, and reduces one
// simple-protocol Query message.
func (c *Client) handleSimpleQuery(sql string) error {
	if c.opts.AdminHandler != nil && c.opts.Cluster == nil {
		return c.opts.AdminHandler(c.conn, sql)
	}

	ctx := router.Context{
		SQL:           sql,
		Cluster:       c.opts.Cluster,
		Session:       c.session,
		InTransaction: c.inTransaction,
	}
	cmd, err := c.opts.Router.Route(ctx)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case router.CmdStartTransaction:
		c.inTransaction = true
		return c.localCommandComplete("BEGIN")
	case router.CmdCommit:
		return c.commit()
	case router.CmdRollback:
		return c.rollbackTransaction()
	case router.CmdSet:
		return c.handleSet(cmd)
	case router.CmdDeallocate:
		return c.localCommandComplete("DEALLOCATE")
	case router.CmdListen, router.CmdNotify, router.CmdUnlisten:
		return c.forwardToSingle(sql, cluster.Request{Role: cluster.ReqPrimary})
	case router.CmdUniqueID:
		return c.handleUniqueID()
	case router.CmdQuery:
		return c.executeRoute(sql, cmd.Route)
	default:
		return c.forwardToSingle(sql, cluster.Request{Role: cluster.ReqAny})
	}
}

// handleUniqueID answers pgdog.unique_id() locally, synthesizing a
// single-column, single-row result the same way the admin surface
// synthesizes its own responses.
func (c *Client) handleUniqueID() error {
	var id int64
	if c.opts.UniqueIDGen != nil {
		id = c.opts.UniqueIDGen.Next()
	}
	rowDesc := buildTextRowDescription("unique_id")
	if err := wire.WriteMessage(c.conn, wire.RowDescription, rowDesc); err != nil {
		return err
	}
	row := buildTextDataRow(fmt.Sprintf("%d", id))
	if err := wire.WriteMessage(c.conn, wire.DataRow, row); err != nil {
		return err
	}
	return c.localCommandComplete("SELECT 1")
}

// buildTextRowDescription builds a minimal single-column
// RowDescription advertising a text-typed result, for locally
// synthesized responses that never touch a backend.
func buildTextRowDescription(name string) []byte {
	var buf []byte
	buf = append(buf, 0, 1) // field count
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, 0, 0, 0, 0) // table OID
	buf = append(buf, 0, 0)       // column attno
	buf = append(buf, 0, 0, 0, 25) // type OID: text
	buf = append(buf, 0xff, 0xff) // type size: variable
	buf = append(buf, 0, 0, 0, 0xff) // type modifier
	buf = append(buf, 0, 0)       // format code: text
	return buf
}

// buildTextDataRow builds a single-column DataRow carrying one text
// value.
func buildTextDataRow(value string) []byte {
	var buf []byte
	buf = append(buf, 0, 1) // field count
	n := len(value)
	buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	buf = append(buf, value...)
	return buf
}

func (c *Client) handleSet(cmd router.Command) error {
	switch cmd.SetName {
	case "pgdog.shard":
		var idx int
		fmt.Sscanf(cmd.SetValue, "%d", &idx)
		c.session.PGDogShard = &idx
	case "pgdog.sharding_key":
		c.session.PGDogShardingKey = cmd.SetValue
	case "pgdog.role":
		c.session.PGDogRole = cmd.SetValue
	case "search_path":
		c.session.SearchPath = cmd.SetValue
	case "target_session_attrs":
		c.session.TargetSessionAttrs = cmd.SetValue
	}
	return c.localCommandComplete("SET")
}

func (c *Client) localCommandComplete(tag string) error {
	if err := wire.WriteMessage(c.conn, wire.CommandComplete, append([]byte(tag), 0)); err != nil {
		return err
	}
	status := byte('I')
	if c.inTransaction {
		status = 'T'
	}
	return c.sendReady(status)
}

// executeRoute dispatches a Query's route to one shard, several
// shards, or all shards, reducing the results in a fixed order:
// first-shard RowDescription, merge-sorted DataRows, aggregated
// CommandComplete, single ReadyForQuery.
func (c *Client) executeRoute(sql string, route router.Route) error {
	if c.opts.Cluster == nil {
		return fmt.Errorf("client: no cluster bound")
	}
	req := cluster.Request{Role: cluster.ReqAny}
	if route.ReadWrite == router.Write {
		req.Role = cluster.ReqPrimary
	}

	indexes := c.resolveShardIndexes(route)
	if len(indexes) > 1 {
		metrics.CrossShardQueries.Inc()
	}
	metrics.RouteTotal.WithLabelValues(shardKindLabel(route), readWriteLabel(route)).Inc()

	results := make([]shardResult, 0, len(indexes))
	for _, idx := range indexes {
		h, err := c.checkout(idx, req)
		if err != nil {
			return err
		}
		res, err := c.runSimple(h, sql)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	return c.reduceAndSend(results, route)
}

func (c *Client) resolveShardIndexes(route router.Route) []int {
	switch route.Shard.Kind {
	case router.ShardDirect, router.ShardMulti:
		return route.Shard.Indexes
	default:
		n := c.opts.Cluster.NumShards()
		if n == 0 {
			n = 1
		}
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
}

func shardKindLabel(route router.Route) string {
	switch route.Shard.Kind {
	case router.ShardDirect:
		return "direct"
	case router.ShardMulti:
		return "multi"
	default:
		return "all"
	}
}

func readWriteLabel(route router.Route) string {
	if route.ReadWrite == router.Write {
		return "write"
	}
	return "read"
}

// checkout obtains (or reuses, if already held this transaction) a
// backend for shardIdx.
func (c *Client) checkout(shardIdx int, req cluster.Request) (*held, error) {
	if h, ok := c.heldByShard[shardIdx]; ok {
		return h, nil
	}
	srv, target, err := c.opts.Cluster.Checkout(connContext(), shardIdx, req)
	if err != nil {
		metrics.CheckoutTotal.WithLabelValues(fmt.Sprintf("shard-%d", shardIdx), "error").Inc()
		return nil, fmt.Errorf("client: checkout shard %d: %w", shardIdx, err)
	}
	metrics.CheckoutTotal.WithLabelValues(srv.Addr(), "success").Inc()
	h := &held{srv: srv, target: target, shardIdx: shardIdx, names: c.serverNamesMu.get(srv)}
	c.heldByShard[shardIdx] = h
	return h, nil
}

type simpleQueryResult struct {
	rowDescription *wire.Message
	dataRows       []wire.Message
	commandTag     string
}

type shardResult struct {
	idx      int
	queries  []simpleQueryResult
	notices  []wire.Message
}

// runSimple sends sql as a simple Query and collects the resulting
// message groups (one per statement in a possibly multi-statement
// simple-query string) up to ReadyForQuery.
func (c *Client) runSimple(h *held, sql string) (shardResult, error) {
	if err := h.srv.Send(wire.Query, append([]byte(sql), 0)); err != nil {
		return shardResult{}, fmt.Errorf("client: send to shard %d: %w", h.shardIdx, err)
	}

	res := shardResult{idx: h.shardIdx}
	var cur simpleQueryResult
	for {
		msg, err := h.srv.Read()
		if err != nil {
			return shardResult{}, fmt.Errorf("client: read from shard %d: %w", h.shardIdx, err)
		}
		switch msg.Type {
		case wire.RowDescription:
			m := msg
			cur.rowDescription = &m
		case wire.DataRow:
			cur.dataRows = append(cur.dataRows, msg)
		case wire.CommandComplete:
			cur.commandTag = string(trimNull(msg.Body))
			res.queries = append(res.queries, cur)
			cur = simpleQueryResult{}
		case wire.NoticeResponse:
			res.notices = append(res.notices, msg)
		case wire.EmptyQueryResponse:
			res.queries = append(res.queries, cur)
			cur = simpleQueryResult{}
		case wire.ErrorResponse:
			return shardResult{}, &server.ExecutionError{
				Code:     errorField(msg.Body, 'C'),
				Severity: errorField(msg.Body, 'S'),
				Message:  errorField(msg.Body, 'M'),
			}
		case wire.ReadyForQuery:
			return res, nil
		}
	}
}

func errorField(body []byte, tag byte) string {
	for i := 0; i < len(body); {
		if body[i] == 0 {
			break
		}
		fieldType := body[i]
		i++
		end := i
		for end < len(body) && body[end] != 0 {
			end++
		}
		if fieldType == tag {
			return string(body[i:end])
		}
		i = end + 1
	}
	return ""
}

// reduceAndSend merges per-shard results and writes a single logical
// response to the client: the first shard's RowDescription, DataRows
// merge-sorted by the route's ORDER BY (or arrival order otherwise),
// and one CommandComplete per statement position with row counts
// summed across shards, or, when the route carries OFFSET/LIMIT, the
// number of rows actually sent after truncation.
func (c *Client) reduceAndSend(results []shardResult, route router.Route) error {
	if len(results) == 0 {
		return c.finishTransactionBoundary()
	}

	numStatements := len(results[0].queries)
	for i := 0; i < numStatements; i++ {
		var rowDesc *wire.Message
		var allRows []wire.Message
		totalRows := 0
		tag := ""
		for _, r := range results {
			if i >= len(r.queries) {
				continue
			}
			q := r.queries[i]
			if rowDesc == nil {
				rowDesc = q.rowDescription
			}
			allRows = append(allRows, q.dataRows...)
			if n, ok := wire.CommandRows(q.commandTag); ok {
				totalRows += n
			}
			tag = q.commandTag
		}

		if rowDesc != nil {
			if err := wire.WriteMessage(c.conn, rowDesc.Type, rowDesc.Body); err != nil {
				return err
			}
		}
		if len(route.OrderBy) > 0 {
			mergeSortRows(allRows, rowDesc, route.OrderBy)
		}
		if route.Offset != nil {
			switch {
			case *route.Offset >= len(allRows):
				allRows = nil
			case *route.Offset > 0:
				allRows = allRows[*route.Offset:]
			}
		}
		if route.Limit != nil && len(allRows) > *route.Limit {
			allRows = allRows[:*route.Limit]
		}
		if route.Offset != nil || route.Limit != nil {
			totalRows = len(allRows)
		}
		for _, row := range allRows {
			if err := wire.WriteMessage(c.conn, row.Type, row.Body); err != nil {
				return err
			}
		}
		if tag != "" {
			finalTag := tag
			if _, ok := wire.CommandRows(tag); ok {
				finalTag = wire.RewriteCommandTag(tag, totalRows)
			}
			if err := wire.WriteMessage(c.conn, wire.CommandComplete, append([]byte(finalTag), 0)); err != nil {
				return err
			}
		}
	}

	return c.finishTransactionBoundary()
}

// mergeSortRows merges each shard's already-ordered DataRow stream
// into one globally ordered sequence, resolving each ORDER BY column
// name to its wire position via rowDesc. A stable sort keeps rows
// within a tied key in their arrival (per-shard) order.
func mergeSortRows(rows []wire.Message, rowDesc *wire.Message, orderBy []router.OrderKey) {
	if len(orderBy) == 0 || rowDesc == nil {
		return
	}
	cols, err := wire.RowDescriptionColumns(rowDesc.Body)
	if err != nil {
		return
	}
	type sortKey struct {
		idx  int
		desc bool
	}
	var keys []sortKey
	for _, ob := range orderBy {
		for i, name := range cols {
			if strings.EqualFold(name, ob.Column) {
				keys = append(keys, sortKey{idx: i, desc: ob.Desc})
				break
			}
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			vi, nullI, erri := wire.DataRowColumn(rows[i].Body, k.idx)
			vj, nullJ, errj := wire.DataRowColumn(rows[j].Body, k.idx)
			if erri != nil || errj != nil {
				continue
			}
			cmp := compareRowValues(vi, nullI, vj, nullJ)
			if cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareRowValues compares two column values in ascending order, with
// SQL NULL sorting after any non-null value (Postgres's NULLS LAST
// default for ASC; the caller reverses the whole comparison for DESC,
// which naturally yields NULLS FIRST). Values that both parse as
// numbers compare numerically; otherwise they compare byte-wise.
func compareRowValues(a []byte, aNull bool, b []byte, bNull bool) int {
	if aNull && bNull {
		return 0
	}
	if aNull {
		return 1
	}
	if bNull {
		return -1
	}
	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a, b)
}

func (c *Client) finishTransactionBoundary() error {
	status := byte('I')
	if c.inTransaction {
		status = 'T'
	} else {
		c.releaseAll(false)
	}
	return c.sendReady(status)
}

func (c *Client) commit() error {
	if len(c.heldByShard) > 1 && c.opts.TwoPCEnabled {
		if err := c.commitTwoPC(); err != nil {
			return err
		}
	} else {
		for _, h := range c.heldByShard {
			if _, err := h.srv.Execute("COMMIT"); err != nil {
				return err
			}
		}
	}
	c.inTransaction = false
	c.releaseAll(false)
	return c.localCommandComplete("COMMIT")
}

// commitTwoPC runs the two-phase commit protocol: PREPARE TRANSACTION
// on every held shard, then COMMIT PREPARED everywhere on success or
// ROLLBACK PREPARED everywhere on any phase-one failure. Transaction
// ids are random 64-bit values (not a monotonic counter) to avoid
// collisions across PgDog instances.
func (c *Client) commitTwoPC() error {
	prepared := make([]*held, 0, len(c.heldByShard))
	for _, h := range c.heldByShard {
		h.twoPCID = fmt.Sprintf("__pgdog_2pc_%d", randomID())
		if _, err := h.srv.Execute(fmt.Sprintf("PREPARE TRANSACTION '%s'", h.twoPCID)); err != nil {
			metrics.TwoPCTransactions.WithLabelValues("prepare_failed").Inc()
			for _, p := range prepared {
				_, _ = p.srv.Execute(fmt.Sprintf("ROLLBACK PREPARED '%s'", p.twoPCID))
			}
			return fmt.Errorf("client: 2pc prepare: %w", err)
		}
		prepared = append(prepared, h)
	}
	for _, h := range prepared {
		if _, err := h.srv.Execute(fmt.Sprintf("COMMIT PREPARED '%s'", h.twoPCID)); err != nil {
			slog.Error("2pc commit-prepared failed, transaction left in-doubt", "shard", h.shardIdx, "id", h.twoPCID, "error", err)
			metrics.TwoPCTransactions.WithLabelValues("commit_failed").Inc()
			return err
		}
	}
	metrics.TwoPCTransactions.WithLabelValues("committed").Inc()
	return nil
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]))
}

func (c *Client) rollbackTransaction() error {
	for _, h := range c.heldByShard {
		_, _ = h.srv.Execute("ROLLBACK")
	}
	c.inTransaction = false
	c.releaseAll(false)
	return c.localCommandComplete("ROLLBACK")
}

func (c *Client) forwardToSingle(sql string, req cluster.Request) error {
	h, err := c.checkout(0, req)
	if err != nil {
		return err
	}
	res, err := c.runSimple(h, sql)
	if err != nil {
		return err
	}
	return c.reduceAndSend([]shardResult{res}, router.Route{})
}

// releaseAll returns every held backend to its pool. If force is set
// (client disconnect), connections are discarded rather than reset.
func (c *Client) releaseAll(force bool) {
	for idx, h := range c.heldByShard {
		if c.inTransaction && !force {
			continue
		}
		h.names.Reset()
		if err := c.opts.Cluster.Release(h.srv, h.target, force); err != nil {
			slog.Warn("release failed", "shard", idx, "error", err)
		}
		delete(c.heldByShard, idx)
	}
}

// handleExtended forwards one extended-protocol message, translating
// prepared-statement names through the global and per-client tables
// and injecting a fresh Parse on the backend if needed.
func (c *Client) handleExtended(msg wire.Message) error {
	switch msg.Type {
	case wire.Parse:
		return c.handleParse(msg)
	case wire.Bind:
		return c.handleBind(msg)
	case wire.Describe, wire.Close:
		return c.handleDescribeOrClose(msg)
	case wire.Execute, wire.Sync, wire.Flush:
		h := c.anyHeld()
		if h == nil {
			var err error
			h, err = c.checkout(0, cluster.Request{Role: cluster.ReqAny})
			if err != nil {
				return err
			}
		}
		if err := h.srv.Send(msg.Type, msg.Body); err != nil {
			return err
		}
		return c.relayExtendedResponses(h, msg.Type == wire.Sync)
	}
	return nil
}

// handleParse interns the statement text and records it under the
// client's name, but does not yet send anything to a backend: which
// shard (and therefore which backend) this statement belongs on isn't
// knowable until Bind supplies parameter values, so the frontend is
// answered with a synthetic ParseComplete and the raw message body is
// cached for replay once handleBind resolves a target.
func (c *Client) handleParse(msg wire.Message) error {
	parts, rest, err := wire.NullTerminated(msg.Body, 1)
	if err != nil {
		return err
	}
	clientName := parts[0]
	idx := indexOfNull(rest)
	text := string(rest[:idx])

	internal := c.opts.PreparedGlobal.Intern(text)
	c.names.Parse(clientName, internal, text)
	c.parseBodies[clientName] = append([]byte(nil), msg.Body...)

	return wire.WriteMessage(c.conn, wire.ParseComplete, nil)
}

func rewriteParseName(body []byte, oldName, newName string) []byte {
	rest := body[len(oldName)+1:]
	out := append([]byte(newName), 0)
	return append(out, rest...)
}

func indexOfNull(b []byte) int {
	for i, v := range b {
		if v == 0 {
			return i
		}
	}
	return len(b)
}

func (c *Client) handleBind(msg wire.Message) error {
	parts, rest, err := wire.NullTerminated(msg.Body, 2)
	if err != nil {
		return err
	}
	portal, stmt := parts[0], parts[1]
	internal, err := c.names.ResolveStatement(stmt)
	if err != nil {
		return fmt.Errorf("%w: %s", prepared.ErrMissingPreparedStatement, stmt)
	}
	c.names.BindPortal(portal, internal)

	params, err := wire.BindParameters(rest)
	if err != nil {
		return fmt.Errorf("client: decode bind parameters: %w", err)
	}
	shardIdx, req := c.resolveBindTarget(stmt, params)

	h, err := c.checkout(shardIdx, req)
	if err != nil {
		return err
	}
	if !h.names.Known(internal) {
		if err := c.sendDeferredParse(h, stmt, internal); err != nil {
			return err
		}
	}

	rewritten := append([]byte(portal), 0)
	rewritten = append(rewritten, internal...)
	rewritten = append(rewritten, 0)
	rewritten = append(rewritten, rest...)
	if err := h.srv.Send(wire.Bind, rewritten); err != nil {
		return err
	}
	return c.relayExtendedResponses(h, false)
}

// resolveBindTarget consults the router with Bind's decoded parameter
// values to find which shard and role this statement actually targets,
// the same way the simple-query path does. It falls back to shard 0
// with ReqAny whenever the statement text, router, or route can't
// resolve to a single direct shard (multi/all-shard extended-protocol
// statements aren't split here; they execute against shard 0, matching
// forwardToSingle's existing non-sharded behavior).
func (c *Client) resolveBindTarget(stmt string, params []wire.BindParam) (int, cluster.Request) {
	fallback := func() (int, cluster.Request) { return 0, cluster.Request{Role: cluster.ReqAny} }
	if c.opts.Router == nil {
		return fallback()
	}
	text, err := c.names.Text(stmt)
	if err != nil {
		return fallback()
	}
	ctx := router.Context{
		SQL:           text,
		BoundParams:   toBoundParams(params),
		Cluster:       c.opts.Cluster,
		Session:       c.session,
		InTransaction: c.inTransaction,
	}
	cmd, err := c.opts.Router.Route(ctx)
	if err != nil || cmd.Kind != router.CmdQuery {
		return fallback()
	}
	req := cluster.Request{Role: cluster.ReqAny}
	if cmd.Route.ReadWrite == router.Write {
		req.Role = cluster.ReqPrimary
	}
	if cmd.Route.Shard.Kind == router.ShardDirect && len(cmd.Route.Shard.Indexes) == 1 {
		return cmd.Route.Shard.Indexes[0], req
	}
	return 0, req
}

func toBoundParams(params []wire.BindParam) []router.BoundParam {
	out := make([]router.BoundParam, len(params))
	for i, p := range params {
		out[i] = router.BoundParam{Text: p.Text, Binary: p.Binary, IsNull: p.IsNull}
	}
	return out
}

// sendDeferredParse replays the Parse this backend never saw (routing
// wasn't resolved until Bind's parameter values arrived) and consumes
// its response without relaying it to the client, which was already
// sent a synthetic ParseComplete when the statement was first parsed.
func (c *Client) sendDeferredParse(h *held, clientName, internal string) error {
	body, ok := c.parseBodies[clientName]
	if !ok {
		return fmt.Errorf("client: no cached parse body for statement %s", clientName)
	}
	rewritten := rewriteParseName(body, clientName, internal)
	if err := h.srv.Send(wire.Parse, rewritten); err != nil {
		return err
	}
	if err := c.consumeOne(h); err != nil {
		return err
	}
	h.names.MarkParsed(internal)
	return nil
}

// consumeOne reads and discards exactly one backend response, surfacing
// an ErrorResponse as an error instead of swallowing it.
func (c *Client) consumeOne(h *held) error {
	msg, err := h.srv.Read()
	if err != nil {
		return fmt.Errorf("client: read from shard %d: %w", h.shardIdx, err)
	}
	if msg.Type == wire.ErrorResponse {
		h.srv.MarkOutOfSync()
		return &server.ExecutionError{
			Code:     errorField(msg.Body, 'C'),
			Severity: errorField(msg.Body, 'S'),
			Message:  errorField(msg.Body, 'M'),
		}
	}
	return nil
}

func (c *Client) handleDescribeOrClose(msg wire.Message) error {
	if len(msg.Body) < 2 {
		return fmt.Errorf("client: short describe/close body")
	}
	kind := msg.Body[0]
	name := string(trimNull(msg.Body[1:]))

	var internal string
	var err error
	if kind == 'S' {
		internal, err = c.names.ResolveStatement(name)
	} else {
		internal, err = c.names.ResolvePortal(name)
	}
	if err != nil {
		return err
	}

	h := c.anyHeld()
	if h == nil {
		var err error
		h, err = c.checkout(0, cluster.Request{Role: cluster.ReqAny})
		if err != nil {
			return err
		}
	}
	rewritten := append([]byte{kind}, internal...)
	rewritten = append(rewritten, 0)
	if err := h.srv.Send(msg.Type, rewritten); err != nil {
		return err
	}

	if msg.Type == wire.Close {
		if kind == 'S' {
			c.names.CloseStatement(name)
			delete(c.parseBodies, name)
		} else {
			c.names.ClosePortal(name)
		}
	}
	return c.relayExtendedResponses(h, false)
}

// relayExtendedResponses forwards backend messages to the client
// until a natural break point: ReadyForQuery for a Sync round, or
// exactly one response message for non-Sync steps (ParseComplete,
// BindComplete, the Describe family, CloseComplete).
func (c *Client) relayExtendedResponses(h *held, untilReady bool) error {
	for {
		msg, err := h.srv.Read()
		if err != nil {
			return fmt.Errorf("client: read from shard %d: %w", h.shardIdx, err)
		}
		if msg.Type == wire.ErrorResponse {
			h.srv.MarkOutOfSync()
		}
		if err := wire.WriteMessage(c.conn, msg.Type, msg.Body); err != nil {
			return err
		}
		if msg.Type == wire.ReadyForQuery {
			if msg.Body != nil && len(msg.Body) >= 1 {
				c.inTransaction = msg.Body[0] != 'I'
			}
			if !c.inTransaction {
				c.releaseAll(false)
			}
			return nil
		}
		if !untilReady {
			switch msg.Type {
			case wire.ParseComplete, wire.BindComplete, wire.CloseComplete,
				wire.RowDescription, wire.NoData, wire.ParameterDescription:
				return nil
			}
		}
	}
}

// connContext returns the context for checkout calls; the per-call
// checkout_timeout is enforced by the pool itself via
// Config.CheckoutTimeout, so no deadline needs attaching here.
func connContext() context.Context { return context.Background() }
