package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cyfscore/chunkstore"
	"cyfscore/config"
	"cyfscore/globalstate"
	"cyfscore/httpapi"
	"cyfscore/noc"
	"cyfscore/objid"
	"cyfscore/router"
	"cyfscore/telemetry"
	"cyfscore/transport"
)

func main() {
	rootCmd := &cobra.Command{Use: "cyfsd"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the cyfsd binary version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cyfsd " + config.Version)
		},
	}
}

func startCmd() *cobra.Command {
	var root, env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a cyfsd node (NOC, chunk store, global-state engine, transport, HTTP surface)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, env)
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "node root directory (holds etc/ and data/)")
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay, e.g. devnet (loads etc/cyfsd.<env>.toml)")
	return cmd
}

func run(root, env string) error {
	cfg, err := config.Load(root, env)
	if err != nil {
		return fmt.Errorf("cyfsd: load config: %w", err)
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("cyfsd: build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	deviceId, _, err := loadOrCreateIdentity(root)
	if err != nil {
		return fmt.Errorf("cyfsd: load identity: %w", err)
	}

	fs := storageFs(cfg.Noc.Backend)

	metrics := telemetry.New(log.Named("telemetry"))

	nocStore, err := noc.Open(noc.Config{
		Fs:               fs,
		RootPath:         filepath.Join(root, cfg.Noc.Path),
		MemoryCacheSize:  cfg.Noc.MemoryCacheSize,
		CacheBudgetBytes: cfg.Noc.CacheBudgetBytes,
		SnapshotInterval: cfg.Noc.SnapshotInterval,
		Logger:           log.Named("noc"),
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("cyfsd: open noc: %w", err)
	}

	chunks, err := chunkstore.Open(chunkstore.Config{
		Fs:       fs,
		RootPath: filepath.Join(root, cfg.Chunks.Path),
		Logger:   log.Named("chunkstore"),
	})
	if err != nil {
		return fmt.Errorf("cyfsd: open chunkstore: %w", err)
	}

	state, err := globalstate.Open(globalstate.Config{
		Store:         nocStore,
		NodeCacheSize: cfg.State.NodeCacheSize,
		Logger:        log.Named("globalstate"),
	})
	if err != nil {
		return fmt.Errorf("cyfsd: open globalstate: %w", err)
	}

	node, err := transport.NewNode(transport.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		DeviceId:       deviceId,
	})
	if err != nil {
		return fmt.Errorf("cyfsd: start transport: %w", err)
	}
	defer node.Close()

	fwd := transport.NewForwarder(node)
	core := router.New(router.Config{
		Local: router.LocalIdentity{
			DeviceId:   deviceId,
			ZoneId:     deviceId, // single-device zone; cyfsd has no step that joins an existing multi-device zone
			OodDevices: map[objid.ObjId]struct{}{deviceId: {}},
		},
		Noc:     nocStore,
		Chunks:  chunks,
		State:   state,
		Forward: router.NewForwarder(fwd, fwd, router.NewFailureCache(256)),
		Friends: router.StaticFriends{},
		Rmeta: router.RmetaConfig{
			ReadBypassOod:  cfg.Rmeta.ReadBypassOod,
			WriteBypassOod: cfg.Rmeta.WriteBypassOod,
		},
		Log:     log.Named("router"),
		Metrics: metrics,
	})

	httpSrv := httpapi.NewServer(cfg.HTTP.Addr, core, state, log.Named("httpapi"))
	httpSrv.SetMetrics(metrics)
	httpSrv.SetBroadcaster(node)

	adminCmds, err := node.SubscribeAdminCommands(core.Local().ZoneId)
	if err != nil {
		return fmt.Errorf("cyfsd: subscribe admin commands: %w", err)
	}
	go func() {
		for cmd := range adminCmds {
			if err := state.ApplyAdminCommand(cmd); err != nil {
				log.Warn("cyfsd: dropping gossiped admin command", zap.Error(err))
			}
		}
	}()

	var metricsSrv *http.Server
	if cfg.Telemetry.Addr != "" {
		metricsSrv, err = metrics.StartServer(cfg.Telemetry.Addr)
		if err != nil {
			return fmt.Errorf("cyfsd: start telemetry server: %w", err)
		}
		log.Info("telemetry listening", zap.String("addr", metricsSrv.Addr))
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("httpapi listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("cyfsd: http server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metrics.ShutdownServer(ctx, metricsSrv)
	}
	return httpSrv.Shutdown(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	return cfg.Build()
}

func storageFs(backend string) afero.Fs {
	if backend == "disk" {
		return afero.NewOsFs()
	}
	return afero.NewMemMapFs()
}

// loadOrCreateIdentity loads this device's ed25519 signing key from
// <root>/etc/device.key, generating and persisting a new one on first run.
// The device id is the content-addressed hash of the public key, mirroring
// the fixture convention in httpapi/server_test.go.
func loadOrCreateIdentity(root string) (objid.ObjId, ed25519.PrivateKey, error) {
	path := filepath.Join(root, "etc", "device.key")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		return deviceIdFromKey(pub), priv, nil
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return objid.ObjId{}, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return objid.ObjId{}, nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return objid.ObjId{}, nil, err
	}
	return deviceIdFromKey(pub), priv, nil
}

func deviceIdFromKey(pub ed25519.PublicKey) objid.ObjId {
	desc := &objid.Desc{TypeCode: 1, Content: []byte(pub)}
	return desc.Id(objid.FormOwnHash)
}
