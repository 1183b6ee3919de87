// Command pisad is the PISA watchtower daemon's entry point, wiring the
// block-item store, block cache, block processor, reducer framework,
// watcher, multi-responder and ingress surface together, following
// pktd.go/cmd's own top-level wiring layout.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/actionstore"
	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockcache"
	"github.com/PISAresearch/pisa-sub003/blockprocessor"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chainprovider"
	"github.com/PISAresearch/pisa-sub003/config"
	"github.com/PISAresearch/pisa-sub003/ingress"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
	"github.com/PISAresearch/pisa-sub003/reducer"
	"github.com/PISAresearch/pisa-sub003/responder"
	"github.com/PISAresearch/pisa-sub003/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pisad:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	backend := log.NewBackend(os.Stderr)
	lvl, _ := log.LevelFromString(cfg.DebugLevel)
	backend.SetLevel(lvl)
	wireLoggers(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := chainprovider.Dial(ctx, chainprovider.Config{
		RPCURL:       cfg.RPCURL,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	towerKey, err := loadTowerKey(cfg.TowerKeyFile)
	if err != nil {
		return errs.New("loading tower key: " + err.Error())
	}
	signer := newWalletSigner(towerKey, provider.ChainID())
	towerAddress := signer.address()

	var towerContract [20]byte
	if b, decodeErr := decodeHexAddress(cfg.TowerContract); decodeErr == nil {
		towerContract = b
	} else {
		return errs.New("parsing towercontract: " + decodeErr.Error())
	}

	db, err := bbolt.Open(filepath.Join(cfg.DataDir, "pisad.db"), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return errs.E(err)
	}
	defer db.Close()

	reg := blockstore.NewRegistry()
	blockcache.RegisterTypes(reg)
	appointment.RegisterTypes(reg)
	watcher.RegisterTypes(reg)
	responder.RegisterTypes(reg)
	responder.RegisterActionTypes(reg)

	cacheStore, err := blockstore.Open(db, "block-item-store", reg)
	if err != nil {
		return err
	}
	processorStore, err := blockstore.Open(db, "block-processor", reg)
	if err != nil {
		return err
	}
	reducerStore, err := blockstore.Open(db, "reducer", reg)
	if err != nil {
		return err
	}
	actionsBacking, err := blockstore.Open(db, "action-store", reg)
	if err != nil {
		return err
	}
	appointmentsBacking, err := blockstore.Open(db, "appointment-store", reg)
	if err != nil {
		return err
	}
	responderBacking, err := blockstore.Open(db, "responder", reg)
	if err != nil {
		return err
	}

	cache := blockcache.NewPersistent(cfg.MaxCacheDepth, cacheStore)

	actions, err := actionstore.Open(actionsBacking, cfg.BatchTimeout)
	if err != nil {
		return err
	}
	appointments, err := appointment.Open(appointmentsBacking, cfg.BatchTimeout)
	if err != nil {
		return err
	}

	startNonce, err := provider.GetTransactionCount(ctx, towerAddress)
	if err != nil {
		return err
	}
	estimator := newChainGasEstimator(provider)
	resp, err := responder.New(towerAddress, startNonce, provider, signer, estimator, responder.Config{
		ChainID:                   provider.ChainID(),
		ConfirmationsBeforeRetire: cfg.ConfirmationsBeforeRetire,
		StaleBlocks:               cfg.StaleBlocks,
		MaxBroadcastRetries:       cfg.MaxBroadcastRetries,
		InitialBackoff:            200 * time.Millisecond,
		MaxBackoff:                30 * time.Second,
	}, responderBacking)
	if err != nil {
		return err
	}

	watcherComponent := watcher.New(watcher.Config{
		ConfirmationsBeforeResponse: cfg.ConfirmationsBeforeResponse,
		ConfirmationsBeforeRemoval:  cfg.ConfirmationsBeforeRemoval,
	}, appointments, resp, cache)

	framework := reducer.New(reducerStore, actions)
	framework.Register(watcherComponent)
	framework.Register(resp)

	processor := blockprocessor.New(provider, cache, processorStore, cfg.MaxCacheDepth)
	framework.AttachCache(cache)
	framework.AttachProcessor(ctx, processor)

	if err := processor.Start(ctx); err != nil {
		return err
	}
	defer processor.Stop()

	server := ingress.New(ingress.Config{
		StartBlockWindow: cfg.StartBlockWindow,
		AuthBlockMaxAge:  cfg.AuthBlockMaxAge,
	}, appointments, cache, towerKey, towerAddress, towerContract)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Disabled.Errorf("ingress server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return errs.E(httpServer.Shutdown(shutdownCtx))
}

func wireLoggers(backend *log.Backend) {
	blockstore.UseLogger(log.NewLogger("BSTR", backend))
	blockcache.UseLogger(log.NewLogger("BCHE", backend))
	blockprocessor.UseLogger(log.NewLogger("BPRC", backend))
	reducer.UseLogger(log.NewLogger("RDCR", backend))
	actionstore.UseLogger(log.NewLogger("ACTN", backend))
	appointment.UseLogger(log.NewLogger("APPT", backend))
	watcher.UseLogger(log.NewLogger("WTCH", backend))
	responder.UseLogger(log.NewLogger("RESP", backend))
	ingress.UseLogger(log.NewLogger("INGR", backend))
	chainprovider.UseLogger(log.NewLogger("CHPR", backend))
}

func decodeHexAddress(s string) ([20]byte, error) {
	var out [20]byte
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
