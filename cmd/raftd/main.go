// Command raftd runs one node of a replicated key-value cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv-core/pkg/api"
	"github.com/vzdtic/raftkv-core/pkg/cluster"
	"github.com/vzdtic/raftkv-core/pkg/kv"
	"github.com/vzdtic/raftkv-core/pkg/logstore"
	"github.com/vzdtic/raftkv-core/pkg/metastore"
	"github.com/vzdtic/raftkv-core/pkg/raft"
	"github.com/vzdtic/raftkv-core/pkg/transport"
)

func main() {
	nodeID := flag.String("id", "", "node ID")
	grpcAddr := flag.String("grpc", "", "gRPC listen address (e.g. localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g. localhost:8000)")
	peers := flag.String("peers", "", "comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	dataDir := flag.String("data-dir", "", "directory for the log and meta stores")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "raftd: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *nodeID == "" || *grpcAddr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs := make(map[string]string)
	var peerMembers []cluster.Member
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.SplitN(peer, "=", 2)
			if len(parts) != 2 {
				continue
			}
			peerAddrs[parts[0]] = parts[1]
			if parts[0] != *nodeID {
				peerMembers = append(peerMembers, cluster.Member{ID: parts[0], Address: parts[1], Voting: true})
			}
		}
	}
	peerAddrs[*nodeID] = *grpcAddr

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/raftd-%s", *nodeID)
	}

	sugar.Infow("starting node", "id", *nodeID, "grpc", *grpcAddr, "http", *httpAddr, "data_dir", dir)

	logs, err := logstore.Open(dir)
	if err != nil {
		sugar.Fatalw("open logstore", "err", err)
	}
	meta, err := metastore.Open(dir)
	if err != nil {
		sugar.Fatalw("open metastore", "err", err)
	}

	members := cluster.NewManager()
	members.Bootstrap(cluster.Member{ID: *nodeID, Address: *grpcAddr, Voting: true}, peerMembers)

	store := kv.New()

	tr := transport.NewGRPCTransport(*grpcAddr, peerAddrs)

	config := raft.DefaultConfig(*nodeID, raft.Peer{ID: *nodeID, Address: *grpcAddr})

	node, err := raft.New(config, logs, meta, members, tr, store, sugar)
	if err != nil {
		sugar.Fatalw("start raft core", "err", err)
	}

	if err := tr.Start(node); err != nil {
		sugar.Fatalw("start gRPC transport", "err", err)
	}

	ticker := raft.NewTicker(node)
	ticker.Start()

	handler := api.NewHandler(node, store, members)
	httpServer := &http.Server{Addr: *httpAddr, Handler: handler}

	go func() {
		sugar.Infow("HTTP API listening", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("HTTP server error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	sugar.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	ticker.Stop()
	tr.Stop()
	node.Stop()

	sugar.Info("shutdown complete")
}
