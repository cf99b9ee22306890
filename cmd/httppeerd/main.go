package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/reactor"
	"github.com/matst80/peerhttp/internal/rpc"
)

func main() {
	if err := loadConfig(flag.CommandLine, os.Args[1:], &cfg); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	os.Exit(run())
}

// run serves until a signal arrives and returns the process exit code.
func run() int {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("node.start", obs.Fields{"node": cfg.NodeID, "network": cfg.NetworkID, "listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain := chainstate.NewMemoryChain()
	providers := &chainstate.Providers{Burn: chain, Chain: chain, Mempool: chainstate.NewMemoryMempool()}
	if cfg.RedisAddr != "" {
		rdb, err := chainstate.NewRedisPeerDB(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NodeID)
		if err != nil {
			obs.Error("redis.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			return 1
		}
		defer rdb.Close()
		providers.Peers = rdb
		obs.Info("peerdb.redis", obs.Fields{"addr": cfg.RedisAddr, "db": cfg.RedisDB})
	} else {
		providers.Peers = chainstate.NewMemoryPeerDB()
	}

	r, err := reactor.New()
	if err != nil {
		obs.Error("reactor.new", obs.Fields{"err": err.Error()})
		return 1
	}
	defer r.Close()
	handle, err := r.Listen(cfg.listenAddr())
	if err != nil {
		obs.Error("listen.rpc", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		return 1
	}

	st := newStatus(cfg.NodeID, cfg.NetworkID)
	n := &node{
		poller:       r,
		chain:        chain,
		providers:    providers,
		status:       st,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
	peer := engine.New(cfg.NetworkID, chainstate.ChainView{}, cfg.connectionOptions(), handle, r,
		rpc.NewFactory(rpc.WithNodeID(cfg.NodeID), rpc.WithReplyHandler(n.deliver)))
	defer peer.Close()
	n.peer = peer
	if len(cfg.Bootstrap) > 0 {
		n.boot, err = newBootstrapper(peer, providers.Peers, cfg.Bootstrap, cfg.BootstrapInterval, resolveHost)
		if err != nil {
			obs.Error("bootstrap.config", obs.Fields{"err": err.Error()})
			return 2
		}
	}

	srv := startMetricsServer(cfg.MetricsAddr, st)
	st.setReady(true)
	obs.Info("node.ready", obs.Fields{})
	runErr := n.run(ctx)
	if runErr != nil {
		obs.Error("node.run", obs.Fields{"err": runErr.Error()})
	}

	obs.Info("node.shutdown.signal", obs.Fields{})
	st.setClosing()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	obs.Info("node.shutdown.complete", obs.Fields{})
	if runErr != nil {
		return 1
	}
	return 0
}
