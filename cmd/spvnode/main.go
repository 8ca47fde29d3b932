package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"golang.org/x/sync/errgroup"

	"github.com/btcspv/spvnode/errors"
	"github.com/btcspv/spvnode/headerchain"
	"github.com/btcspv/spvnode/peer"
	"github.com/btcspv/spvnode/spv"
	"github.com/btcspv/spvnode/walletsink"
)

const nodeVersion = "0.1.0"

func main() {
	ctx := withShutdownCancel(context.Background())
	go shutdownListener()

	if err := run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses configuration, wires the header store, peer manager, wallet
// sink, and session core together, and runs the node until ctx is
// cancelled.
func run(ctx context.Context) error {
	const op errors.Op = "run"

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer logRotator.Close()

	setLogLevels(cfg.DebugLevel)

	log.Infof("spvnode %s (Go version %s %s/%s)", nodeVersion, runtime.Version(),
		runtime.GOOS, runtime.GOARCH)

	netDataDir := filepath.Join(cfg.DataDir, cfg.activeNet.Name)
	if err := os.MkdirAll(netDataDir, 0700); err != nil {
		return err
	}

	genesisHeader := cfg.activeNet.GenesisBlock.Header
	store, err := headerchain.Open(filepath.Join(netDataDir, defaultHeadersDbName), &genesisHeader)
	if err != nil {
		return err
	}
	defer store.Close()

	wallet := walletsink.New()

	fastCatchup := cfg.activeNet.GenesisBlock.Header.Timestamp
	if cfg.FastCatchup != "" {
		ts, err := time.Parse(time.RFC3339, cfg.FastCatchup)
		if err != nil {
			return errors.E(op, errors.Invalid, err)
		}
		fastCatchup = ts
	}

	amgr := addrmgr.New(netDataDir, net.LookupIP)

	session := spv.NewSession(store, wallet, nil, fastCatchup, store.Genesis().Hash)
	lp := peer.NewLocalPeer(cfg.activeNet, amgr, "/spvnode:"+nodeVersion+"/", session)
	session.SetPeerManager(lp)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gctx)
	})

	for _, addr := range cfg.ConnectPeer {
		addr := addr
		g.Go(func() error {
			if _, err := lp.ConnectOutbound(gctx, addr); err != nil {
				log.Warnf("connecting to %v: %v", addr, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
