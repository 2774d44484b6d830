// Command cfdd runs the CFD lifecycle daemon: it opens the event store,
// recovers every known CFD, starts the connection dispatcher and
// auto-rollover driver under supervision, and serves metrics and the
// CfdsChanged projection stream over HTTP until signaled to stop.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/config"
	"github.com/certen/cfd-daemon/internal/contracts"
	"github.com/certen/cfd-daemon/internal/daemon"
	"github.com/certen/cfd-daemon/internal/dispatcher"
	"github.com/certen/cfd-daemon/internal/eventlog"
	"github.com/certen/cfd-daemon/internal/logging"
	"github.com/certen/cfd-daemon/internal/supervisor"
	"github.com/certen/cfd-daemon/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	globals := flag.NewFlagSet("cfdd", flag.ContinueOnError)
	maker := globals.String("maker", "", "maker host:port to connect to (taker mode; omit to run as maker)")
	makerID := globals.String("maker-id", "", "maker's hex-encoded identity public key")
	httpAddr := globals.String("http-address", "0.0.0.0:9090", "address to serve /metrics and /cfds/stream on")
	dataDir := globals.String("data-dir", "./data", "directory for daemon state (only logged at startup)")
	jsonLogs := globals.Bool("json", true, "emit structured JSON logs (always true; flag kept for CLI compatibility)")
	logLevel := globals.String("log-level", "info", "debug|info|warn|error")
	if err := globals.Parse(args); err != nil {
		return 2
	}

	rest := globals.Args()
	network := "testnet"
	if len(rest) > 0 {
		network = rest[0]
		rest = rest[1:]
	}

	netFlags := flag.NewFlagSet(network, flag.ContinueOnError)
	electrum := netFlags.String("electrum", "", "Electrum server URL override for this network")
	if err := netFlags.Parse(rest); err != nil {
		return 2
	}
	rest = netFlags.Args()

	logger := logging.New(*logLevel)
	logger.Info("starting", "network", network, "data_dir", *dataDir, "json", *jsonLogs)

	profile := config.DefaultNetworkProfile(network)
	if *electrum != "" {
		logger.Info("network profile override", "network", network, "electrum", *electrum)
	}

	if len(rest) > 0 && rest[0] == "withdraw" {
		return runWithdraw(rest[1:], logger)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cfdd: %v\n", err)
		return 1
	}
	cfg.Network = network
	if cfg.NetworkProfilePath != "" {
		loaded, err := config.LoadNetworkProfile(cfg.NetworkProfilePath)
		if err != nil {
			logger.Error("failed to load network profile", "path", cfg.NetworkProfilePath, "error", err)
			return 1
		}
		profile = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventlog.Open(ctx, eventlog.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DatabaseMaxOpenConns,
		MaxIdleConns: cfg.DatabaseMaxIdleConns,
		ConnMaxIdle:  cfg.DatabaseConnMaxIdle,
		ConnMaxLife:  cfg.DatabaseConnMaxLife,
	}, eventlog.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		return 1
	}
	defer store.Close()

	d := daemon.New(daemon.Deps{
		Store:   store,
		Wallet:  unimplementedWallet{},
		Oracle:  unimplementedOracle{profile: profile},
		Monitor: unimplementedMonitor{},
		Crypto:  unimplementedCrypto{},
		Logger:  logger,
	})

	ids, err := store.LoadAllCfdIDs(ctx)
	if err != nil {
		logger.Error("failed to list known cfds", "error", err)
		return 1
	}
	if err := d.Recover(ctx, ids); err != nil {
		logger.Error("failed to recover process manager", "error", err)
		return 1
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registerer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/cfds/stream", d.Hub.HandleStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","network":%q,"cfds":%d}`, network, len(ids))
	})
	mux.HandleFunc("/cfds/settle", settleHandler(d, logger))
	mux.HandleFunc("/orders/take", takeOrderHandler(d, logger))
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	rolloverSupervisor := supervisor.New("rollover-driver", func(ctx context.Context) error {
		d.Rollover.Run(ctx)
		return ctx.Err()
	}, supervisor.AlwaysRestart(time.Second, 30*time.Second), supervisor.WithLogger(logger))
	go rolloverSupervisor.Run(ctx)

	heartbeatSupervisor := supervisor.New("heartbeat", func(ctx context.Context) error {
		d.Dispatcher.RunHeartbeat(ctx, 30*time.Second)
		return ctx.Err()
	}, supervisor.AlwaysRestart(time.Second, 30*time.Second), supervisor.WithLogger(logger))
	go heartbeatSupervisor.Run(ctx)

	if *maker != "" {
		go dialMaker(ctx, d, *maker, *makerID, logger)
	} else {
		go acceptConnections(ctx, d, cfg.ListenAddr, logger)
	}

	go func() {
		logger.Info("http server listening", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	return 0
}

// acceptConnections runs the maker's accept loop: every inbound connection
// is wrapped as a dispatcher.Conn and registered under the remote address
// as its peer key, pending a future identity handshake.
func acceptConnections(ctx context.Context, d *daemon.Daemon, addr string, logger *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen for peer connections", "addr", addr, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Error("accept failed", "error", err)
			return
		}
		d.Dispatcher.AddConn(ctx, &dispatcher.Conn{
			Peer:  conn.RemoteAddr().String(),
			Tx:    wire.NewWriter(conn),
			Rx:    wire.NewReader(conn),
			Close: conn.Close,
		})
		logger.Info("peer connected", "peer", conn.RemoteAddr().String())
	}
}

// dialMaker connects to a configured maker and registers the connection
// under its identity public key, so the taker's StartSetup/StartRollover
// calls can find it via Cfd.CounterpartyIdentity.
func dialMaker(ctx context.Context, d *daemon.Daemon, addr, makerID string, logger *slog.Logger) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Error("failed to dial maker", "addr", addr, "error", err)
		return
	}
	d.Dispatcher.AddConn(ctx, &dispatcher.Conn{
		Peer:  makerID,
		Tx:    wire.NewWriter(conn),
		Rx:    wire.NewReader(conn),
		Close: conn.Close,
	})
	logger.Info("connected to maker", "addr", addr, "maker_id", makerID)
}

// settleHandler exposes Daemon.StartSettlement as a manual trigger: no live
// price feed is wired into this deployment, so a caller (operator script,
// future price-check loop) supplies the current price itself.
func settleHandler(d *daemon.Daemon, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := cfd.ParseOrderID(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		price, err := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
		if err != nil {
			http.Error(w, "bad price", http.StatusBadRequest)
			return
		}
		if err := d.StartSettlement(r.Context(), id, price); err != nil {
			logger.Error("settle request failed", "cfd_id", id, "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// takeOrderHandler exposes Daemon.TakeOrder as a manual trigger for the
// taker side: a standing maker offer only becomes known to this daemon once
// a current_order broadcast has arrived on an open connection to peer.
func takeOrderHandler(d *daemon.Daemon, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		quantity, err := strconv.ParseFloat(r.URL.Query().Get("quantity"), 64)
		if err != nil {
			http.Error(w, "bad quantity", http.StatusBadRequest)
			return
		}
		if err := d.TakeOrder(r.Context(), peer, quantity); err != nil {
			logger.Error("take order request failed", "peer", peer, "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func runWithdraw(args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	amount := fs.Int64("amount", 0, "amount in sats to withdraw (0 = drain wallet)")
	feeRate := fs.Uint64("fee", 1, "fee rate in sat/vb")
	address := fs.String("address", "", "destination address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *address == "" {
		fmt.Fprintln(os.Stderr, "cfdd withdraw: --address is required")
		return 2
	}
	_ = amount
	_ = feeRate
	fmt.Fprintln(os.Stderr, "cfdd withdraw: no wallet backend configured; nothing to do")
	return 1
}

// unimplementedWallet, unimplementedOracle, unimplementedMonitor, and
// unimplementedCrypto satisfy the external-interface contracts with errors
// rather than real Bitcoin Core RPC / oracle HTTP / chain-watching /
// secp256k1 backends, which are out of scope here (§1 Non-goals) and left
// for the binary's real deployment to supply.
type unimplementedWallet struct{}

func (unimplementedWallet) BuildFundingPSBT(ctx context.Context, amount cfd.Amount, feeRate uint64) ([]byte, error) {
	return nil, errUnimplemented("wallet.BuildFundingPSBT")
}
func (unimplementedWallet) SignPSBT(ctx context.Context, psbt []byte) ([]byte, error) {
	return nil, errUnimplemented("wallet.SignPSBT")
}
func (unimplementedWallet) Broadcast(ctx context.Context, tx cfd.Transaction) error {
	return errUnimplemented("wallet.Broadcast")
}
func (unimplementedWallet) NewAddress(ctx context.Context) (cfd.Address, error) {
	return "", errUnimplemented("wallet.NewAddress")
}

type unimplementedOracle struct {
	profile config.NetworkProfile
}

func (o unimplementedOracle) Announcement(ctx context.Context, eventID string) (contracts.OracleAnnouncement, error) {
	return contracts.OracleAnnouncement{}, errUnimplemented("oracle.Announcement (" + o.profile.OracleBaseURL + ")")
}
func (unimplementedOracle) Attestation(ctx context.Context, eventID string) (cfd.Attestation, error) {
	return cfd.Attestation{}, errUnimplemented("oracle.Attestation")
}

type unimplementedMonitor struct{}

func (unimplementedMonitor) Watch(ctx context.Context, id cfd.OrderID, dlc *cfd.Dlc) error {
	return errUnimplemented("monitor.Watch")
}
func (unimplementedMonitor) Unwatch(id cfd.OrderID) {}
func (unimplementedMonitor) Events() <-chan contracts.ChainEvent {
	return nil
}

type unimplementedCrypto struct{}

func (unimplementedCrypto) FinalizeSpendTx(dlc *cfd.Dlc, proposal cfd.SettlementProposal, takerSig cfd.Signature) (cfd.Transaction, cfd.Script, error) {
	return cfd.Transaction{}, "", errUnimplemented("crypto.FinalizeSpendTx")
}
func (unimplementedCrypto) DecryptAdaptorSig(sig cfd.AdaptorSignature, scalars [][]byte) (cfd.Signature, error) {
	return nil, errUnimplemented("crypto.DecryptAdaptorSig")
}
func (unimplementedCrypto) SignCommitTx(dlc *cfd.Dlc) (cfd.Transaction, error) {
	return cfd.Transaction{}, errUnimplemented("crypto.SignCommitTx")
}
func (unimplementedCrypto) DerivePublicKey(secret []byte) (cfd.PublicKey, error) {
	return cfd.PublicKey{}, errUnimplemented("crypto.DerivePublicKey")
}

func errUnimplemented(op string) error {
	return fmt.Errorf("cfdd: %s has no backend wired for this deployment", op)
}
