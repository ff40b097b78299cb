// Package admin implements the pgdog virtual database: a small
// command grammar (SHOW/SET/BAN/UNBAN/PAUSE/RESUME/RELOAD/SHUTDOWN)
// answered entirely with synthetic wire responses, never touching a
// backend pool.
package admin

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pgdog/pgdog/internal/cluster"
	"github.com/pgdog/pgdog/internal/lb"
	"github.com/pgdog/pgdog/internal/prepared"
	"github.com/pgdog/pgdog/internal/uniqueid"
	"github.com/pgdog/pgdog/internal/wire"
)

const Version = "pgdog 1.0 (student edition)"

// State is everything the admin surface can introspect or mutate. The
// caller (cmd/pgdog) owns the real Clusters map and wires this
// struct's pointer fields directly at it.
type State struct {
	Clusters       map[string]*cluster.Cluster
	PreparedGlobal *prepared.Global
	UniqueIDGen    *uniqueid.Generator
	InstanceID     int64
	ConfigPath     string
	ShutdownFunc   func()
}

var (
	showRe    = regexp.MustCompile(`(?is)^\s*SHOW\s+([A-Z_ ]+)\s*;?\s*$`)
	banRe     = regexp.MustCompile(`(?is)^\s*BAN\s+(\S+)(?:\s+(.*))?;?\s*$`)
	unbanRe   = regexp.MustCompile(`(?is)^\s*UNBAN\s+(\S+)\s*;?\s*$`)
	pauseRe   = regexp.MustCompile(`(?is)^\s*PAUSE(?:\s+(\S+))?\s*;?\s*$`)
	resumeRe  = regexp.MustCompile(`(?is)^\s*RESUME(?:\s+(\S+))?\s*;?\s*$`)
	setAdminRe = regexp.MustCompile(`(?is)^\s*SET\s+([a-zA-Z_]+)\s+TO\s+'([^']*)'\s*;?\s*$`)
	reloadRe  = regexp.MustCompile(`(?is)^\s*RELOAD\s*;?\s*$`)
	shutdownRe = regexp.MustCompile(`(?is)^\s*SHUTDOWN\s*;?\s*$`)
)

// settable admin SET targets; not config-reload-safe, process-lifetime only.
var (
	loadBalancingStrategy = "random"
	poolerMode            = "transaction"
)

// Handle parses and answers one simple-query admin command, writing
// its synthetic response to conn. It never returns a transport error
// for a recognition failure — unrecognised commands get a normal
// ErrorResponse the same as a real admin console would see.
func Handle(conn net.Conn, sql string, st *State) error {
	sql = strings.TrimSpace(sql)

	switch {
	case showRe.MatchString(sql):
		m := showRe.FindStringSubmatch(sql)
		return handleShow(conn, strings.ToUpper(strings.TrimSpace(m[1])), st)
	case banRe.MatchString(sql):
		m := banRe.FindStringSubmatch(sql)
		return handleBan(conn, m[1], m[2], st)
	case unbanRe.MatchString(sql):
		m := unbanRe.FindStringSubmatch(sql)
		return handleUnban(conn, m[1], st)
	case pauseRe.MatchString(sql):
		m := pauseRe.FindStringSubmatch(sql)
		return handlePauseResume(conn, m[1], st, true)
	case resumeRe.MatchString(sql):
		m := resumeRe.FindStringSubmatch(sql)
		return handlePauseResume(conn, m[1], st, false)
	case setAdminRe.MatchString(sql):
		m := setAdminRe.FindStringSubmatch(sql)
		return handleSet(conn, strings.ToLower(m[1]), m[2], st)
	case reloadRe.MatchString(sql):
		return commandComplete(conn, "RELOAD")
	case shutdownRe.MatchString(sql):
		if st.ShutdownFunc != nil {
			go st.ShutdownFunc()
		}
		return commandComplete(conn, "SHUTDOWN")
	default:
		return writeError(conn, "syntax error in admin command: "+sql)
	}
}

func handleShow(conn net.Conn, what string, st *State) error {
	what = normalizeShowTarget(what)
	switch what {
	case "VERSION":
		return singleTextRow(conn, "version", Version)
	case "INSTANCE_ID":
		return singleTextRow(conn, "instance_id", strconv.FormatInt(st.InstanceID, 10))
	case "CONFIG":
		return singleTextRow(conn, "config_path", st.ConfigPath)
	case "PREPARED STATEMENTS":
		n := 0
		if st.PreparedGlobal != nil {
			n = st.PreparedGlobal.Size()
		}
		return singleTextRow(conn, "count", strconv.Itoa(n))
	case "POOLS":
		return showPools(conn, st)
	case "STATS":
		return showStats(conn, st)
	case "SERVERS":
		return showPools(conn, st) // servers view shares the pool snapshot shape
	case "CLIENTS":
		return emptyRows(conn, []string{"client"})
	default:
		return writeError(conn, "unknown SHOW target: "+what)
	}
}

func normalizeShowTarget(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func showPools(conn net.Conn, st *State) error {
	cols := []string{"database", "shard", "role", "address", "total", "idle", "taken", "waiting", "banned"}
	if err := writeRowDescription(conn, cols); err != nil {
		return err
	}
	names := sortedClusterNames(st.Clusters)
	for _, name := range names {
		cl := st.Clusters[name]
		for i := 0; i < cl.NumShards(); i++ {
			sh, err := cl.Shard(i)
			if err != nil {
				continue
			}
			writePoolRow(conn, name, i, "primary", sh.Primary)
			for _, r := range sh.Replicas {
				writePoolRow(conn, name, i, "replica", r)
			}
		}
	}
	return commandComplete(conn, "SHOW")
}

func writePoolRow(conn net.Conn, db string, shard int, role string, target *lb.Target) {
	if target == nil {
		return
	}
	snap := target.Pool.Snapshot()
	_ = writeDataRow(conn, []string{
		db, strconv.Itoa(shard), role, target.Pool.Address().Key(),
		strconv.Itoa(snap.Total), strconv.Itoa(snap.Idle), strconv.Itoa(snap.Taken),
		strconv.Itoa(snap.Waiting), strconv.FormatBool(snap.Banned),
	})
}

func showStats(conn net.Conn, st *State) error {
	cols := []string{"database", "shard", "total_connections", "max_connections"}
	if err := writeRowDescription(conn, cols); err != nil {
		return err
	}
	for _, name := range sortedClusterNames(st.Clusters) {
		cl := st.Clusters[name]
		for i := 0; i < cl.NumShards(); i++ {
			sh, err := cl.Shard(i)
			if err != nil {
				continue
			}
			var total, max int
			if sh.Primary != nil {
				snap := sh.Primary.Pool.Snapshot()
				total += snap.Total
				max += snap.Max
			}
			for _, r := range sh.Replicas {
				snap := r.Pool.Snapshot()
				total += snap.Total
				max += snap.Max
			}
			_ = writeDataRow(conn, []string{name, strconv.Itoa(i), strconv.Itoa(total), strconv.Itoa(max)})
		}
	}
	return commandComplete(conn, "SHOW")
}

func sortedClusterNames(m map[string]*cluster.Cluster) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func handleBan(conn net.Conn, id, reason string, st *State) error {
	target, ok := findTarget(st, id)
	if !ok {
		return writeError(conn, "unknown pool: "+id)
	}
	if reason == "" {
		reason = "admin ban"
	}
	target.Pool.Ban(reason, 0)
	return commandComplete(conn, "BAN")
}

func handleUnban(conn net.Conn, id string, st *State) error {
	target, ok := findTarget(st, id)
	if !ok {
		return writeError(conn, "unknown pool: "+id)
	}
	target.Pool.Unban()
	return commandComplete(conn, "UNBAN")
}

func findTarget(st *State, addrKey string) (*lb.Target, bool) {
	for _, cl := range st.Clusters {
		for i := 0; i < cl.NumShards(); i++ {
			sh, err := cl.Shard(i)
			if err != nil {
				continue
			}
			if sh.Primary != nil && sh.Primary.Pool.Address().Key() == addrKey {
				return sh.Primary, true
			}
			for _, r := range sh.Replicas {
				if r.Pool.Address().Key() == addrKey {
					return r, true
				}
			}
		}
	}
	return nil, false
}

func handlePauseResume(conn net.Conn, dbName string, st *State, pause bool) error {
	for name, cl := range st.Clusters {
		if dbName != "" && dbName != name {
			continue
		}
		for i := 0; i < cl.NumShards(); i++ {
			sh, err := cl.Shard(i)
			if err != nil {
				continue
			}
			applyPauseResume(sh.Primary, pause)
			for _, r := range sh.Replicas {
				applyPauseResume(r, pause)
			}
		}
	}
	verb := "PAUSE"
	if !pause {
		verb = "RESUME"
	}
	return commandComplete(conn, verb)
}

func applyPauseResume(t *lb.Target, pause bool) {
	if t == nil {
		return
	}
	if pause {
		t.Pool.Pause()
	} else {
		t.Pool.Resume()
	}
}

func handleSet(conn net.Conn, name, value string, st *State) error {
	switch name {
	case "load_balancing_strategy":
		s, ok := lb.ParseStrategy(value)
		if !ok {
			return writeError(conn, "unknown load_balancing_strategy: "+value)
		}
		loadBalancingStrategy = value
		if st != nil {
			for _, cl := range st.Clusters {
				for i := 0; i < cl.NumShards(); i++ {
					if sh, err := cl.Shard(i); err == nil && sh.LB != nil {
						sh.LB.SetStrategy(s)
					}
				}
			}
		}
	case "pooler_mode":
		poolerMode = value
	default:
		return writeError(conn, "unknown admin setting: "+name)
	}
	return commandComplete(conn, "SET")
}

// --- wire helpers: admin responses never touch a pool, so they build
// their own minimal RowDescription/DataRow frames directly. ---

func writeRowDescription(conn net.Conn, cols []string) error {
	var buf []byte
	n := len(cols)
	buf = append(buf, byte(n>>8), byte(n))
	for _, name := range cols {
		buf = append(buf, name...)
		buf = append(buf, 0)
		buf = append(buf, 0, 0, 0, 0) // table OID
		buf = append(buf, 0, 0)       // attno
		buf = append(buf, 0, 0, 0, 25) // type OID: text
		buf = append(buf, 0xff, 0xff)
		buf = append(buf, 0, 0, 0, 0xff)
		buf = append(buf, 0, 0)
	}
	return wire.WriteMessage(conn, wire.RowDescription, buf)
}

func writeDataRow(conn net.Conn, values []string) error {
	var buf []byte
	n := len(values)
	buf = append(buf, byte(n>>8), byte(n))
	for _, v := range values {
		l := len(v)
		buf = append(buf, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		buf = append(buf, v...)
	}
	return wire.WriteMessage(conn, wire.DataRow, buf)
}

func singleTextRow(conn net.Conn, col, value string) error {
	if err := writeRowDescription(conn, []string{col}); err != nil {
		return err
	}
	if err := writeDataRow(conn, []string{value}); err != nil {
		return err
	}
	return commandComplete(conn, "SHOW")
}

func emptyRows(conn net.Conn, cols []string) error {
	if err := writeRowDescription(conn, cols); err != nil {
		return err
	}
	return commandComplete(conn, "SHOW")
}

func commandComplete(conn net.Conn, tag string) error {
	if err := wire.WriteMessage(conn, wire.CommandComplete, append([]byte(tag), 0)); err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.ReadyForQuery, []byte{'I'})
}

func writeError(conn net.Conn, message string) error {
	if err := wire.WriteMessage(conn, wire.ErrorResponse, wire.BuildErrorResponse("ERROR", "42601", message)); err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.ReadyForQuery, []byte{'I'})
}
