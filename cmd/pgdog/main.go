// Command pgdog is the composition root: load config, wire up the
// cluster map and metrics HTTP server, accept frontend connections,
// and shut down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pgdog/pgdog/internal/admin"
	"github.com/pgdog/pgdog/internal/cache"
	"github.com/pgdog/pgdog/internal/client"
	"github.com/pgdog/pgdog/internal/cluster"
	"github.com/pgdog/pgdog/internal/config"
	"github.com/pgdog/pgdog/internal/lb"
	"github.com/pgdog/pgdog/internal/metrics"
	"github.com/pgdog/pgdog/internal/pool"
	"github.com/pgdog/pgdog/internal/prepared"
	"github.com/pgdog/pgdog/internal/router"
	"github.com/pgdog/pgdog/internal/uniqueid"
	"github.com/pgdog/pgdog/internal/wire"
)

func main() {
	configPath := flag.String("config", "pgdog.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	metrics.Init()
	go func() {
		slog.Info("metrics endpoint listening", "address", cfg.General.MetricsListen)
		if err := http.ListenAndServe(cfg.General.MetricsListen, metrics.Mux()); err != nil {
			slog.Error("metrics server exited", "error", err)
		}
	}()

	preparedGlobal := prepared.NewGlobal()
	uniqueGen := uniqueid.New()
	plans, err := cache.New(cache.Config{
		MaxMemory: cfg.Memory.PlanCacheMaxMemory,
		Workers:   cfg.Memory.PlanCacheWorkers,
	})
	if err != nil {
		slog.Error("failed to create plan cache", "error", err)
		os.Exit(1)
	}
	defer plans.Close()

	clusters := buildClusters(cfg)
	for _, cl := range clusters {
		startClusterPools(cl)
	}
	defer func() {
		for _, cl := range clusters {
			stopClusterPools(cl)
		}
	}()

	adminState := &admin.State{
		Clusters:       clusters,
		PreparedGlobal: preparedGlobal,
		UniqueIDGen:    uniqueGen,
		InstanceID:     uniqueGen.InstanceID(),
		ConfigPath:     *configPath,
	}
	shutdownCh := make(chan struct{})
	adminState.ShutdownFunc = func() { close(shutdownCh) }

	rt := router.New(plans)

	addr := fmt.Sprintf("%s:%d", cfg.General.Host, cfg.General.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "address", addr, "error", err)
		os.Exit(1)
	}
	slog.Info("pgdog listening", "address", addr)

	var wg sync.WaitGroup
	go acceptLoop(listener, &wg, clusters, rt, preparedGlobal, uniqueGen, adminState, cfg.General.TwoPCEnabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutdown signal received")
	case <-shutdownCh:
		slog.Info("shutdown requested via admin SHUTDOWN")
	}

	listener.Close()
	wg.Wait()
}

func acceptLoop(listener net.Listener, wg *sync.WaitGroup, clusters map[string]*cluster.Cluster,
	rt *router.Router, preparedGlobal *prepared.Global, uniqueGen *uniqueid.Generator,
	adminState *admin.State, twoPCEnabled bool) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			serveConnection(conn, clusters, rt, preparedGlobal, uniqueGen, adminState, twoPCEnabled)
		}()
	}
}

func serveConnection(conn net.Conn, clusters map[string]*cluster.Cluster, rt *router.Router,
	preparedGlobal *prepared.Global, uniqueGen *uniqueid.Generator, adminState *admin.State, twoPCEnabled bool) {
	dbName, err := negotiateStartup(conn)
	if err != nil {
		slog.Warn("startup negotiation failed", "error", err)
		return
	}

	opts := client.Options{
		Router:         rt,
		PreparedGlobal: preparedGlobal,
		UniqueIDGen:    uniqueGen,
		TwoPCEnabled:   twoPCEnabled,
		BackendPID:     uint32(os.Getpid()),
	}

	if dbName == "pgdog" || dbName == "admin" {
		opts.AdminHandler = func(c net.Conn, sql string) error {
			return admin.Handle(c, sql, adminState)
		}
	} else if cl, ok := clusters[dbName]; ok {
		opts.Cluster = cl
	} else {
		slog.Warn("unknown database requested", "database", dbName)
		return
	}

	eng := client.New(conn, opts)
	if err := eng.Run(map[string]string{"server_version": "15.0", "client_encoding": "UTF8"}); err != nil {
		slog.Warn("client connection ended with error", "error", err)
	}
}

// negotiateStartup reads (and rejects) an SSLRequest, then reads the
// real startup packet and returns the requested database name.
func negotiateStartup(conn net.Conn) (string, error) {
	for {
		raw, err := wire.ReadStartup(conn)
		if err != nil {
			return "", err
		}
		if wire.IsSSLRequest(raw) {
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return "", err
			}
			continue
		}
		params := wire.ParseStartupParams(raw)
		return params["database"], nil
	}
}

func buildClusters(cfg *config.Config) map[string]*cluster.Cluster {
	byDB := map[string][]config.DatabaseConfig{}
	for _, db := range cfg.Databases {
		byDB[db.Database] = append(byDB[db.Database], db)
	}

	shardingByDB := map[string]map[string]cluster.ShardingColumn{}
	for _, t := range cfg.ShardedTables {
		if shardingByDB[t.Database] == nil {
			shardingByDB[t.Database] = map[string]cluster.ShardingColumn{}
		}
		shardingByDB[t.Database][t.Name] = toShardingColumn(t)
	}

	clusters := map[string]*cluster.Cluster{}
	for dbName, entries := range byDB {
		maxShard := 0
		for _, e := range entries {
			if e.Shard > maxShard {
				maxShard = e.Shard
			}
		}
		shards := make([]*cluster.Shard, maxShard+1)
		for i := range shards {
			shards[i] = &cluster.Shard{Index: i}
		}
		for _, e := range entries {
			role := pool.RoleReplica
			if e.Role == "primary" {
				role = pool.RolePrimary
			}
			addr := pool.Address{
				Host: e.Host, Port: e.Port, Database: e.Database,
				User: e.User, Password: e.Password, DatabaseNumber: e.DatabaseNumber,
				Role: role,
			}
			target := lb.NewTarget(pool.New(addr, pool.Config{}))
			if role == pool.RolePrimary {
				shards[e.Shard].Primary = target
			} else {
				shards[e.Shard].Replicas = append(shards[e.Shard].Replicas, target)
			}
		}
		for _, sh := range shards {
			sh.LB = lb.New(sh.Primary, sh.Replicas, lb.Random, lb.SplitAllow, 60*time.Second)
		}
		clusters[dbName] = &cluster.Cluster{
			Name:               dbName,
			Shards:             shards,
			ShardingSchema: cluster.ShardingSchema{
				Tables: shardingByDB[dbName],
			},
			CrossShardDisabled: cfg.General.CrossShardDisabled,
			QueryParserLevel:   cfg.General.QueryParserLevel,
			RewriteShardKey:    cfg.Rewrite.ShardKey,
		}
	}
	return clusters
}

func toShardingColumn(t config.ShardedTableConfig) cluster.ShardingColumn {
	col := cluster.ShardingColumn{
		Table:    t.Name,
		Column:   t.Column,
		DataType: t.DataType,
	}
	if len(t.ListMap) > 0 {
		col.DataType = "list"
		col.ListMap = map[string]int{}
		for _, entry := range t.ListMap {
			for _, v := range entry.Values {
				col.ListMap[v] = entry.Shard
			}
		}
	}
	if len(t.RangeMap) > 0 {
		col.DataType = "range"
		col.RangeMap = make([]cluster.RangeEntry, 0, len(t.RangeMap))
		for _, entry := range t.RangeMap {
			low, err := strconv.ParseInt(entry.Start, 10, 64)
			if err != nil {
				continue
			}
			high, err := strconv.ParseInt(entry.End, 10, 64)
			if err != nil {
				continue
			}
			col.RangeMap = append(col.RangeMap, cluster.RangeEntry{Low: low, High: high, Shard: entry.Shard})
		}
	}
	col.Centroids = t.Centroids
	return col
}

func startClusterPools(cl *cluster.Cluster) {
	for i := 0; i < cl.NumShards(); i++ {
		sh, err := cl.Shard(i)
		if err != nil {
			continue
		}
		if sh.Primary != nil {
			sh.Primary.Pool.Start()
		}
		for _, r := range sh.Replicas {
			r.Pool.Start()
		}
		sh.LB.Start(context.Background())
	}
}

func stopClusterPools(cl *cluster.Cluster) {
	for i := 0; i < cl.NumShards(); i++ {
		sh, err := cl.Shard(i)
		if err != nil {
			continue
		}
		sh.LB.Stop()
		if sh.Primary != nil {
			sh.Primary.Pool.Stop()
		}
		for _, r := range sh.Replicas {
			r.Pool.Stop()
		}
	}
}
