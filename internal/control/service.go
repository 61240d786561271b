// Package control wires the bridge node together and manages its lifecycle.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/bridge/internal/bridge"
	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/config"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/core/worker"
	"github.com/vietddude/bridge/internal/governor"
	"github.com/vietddude/bridge/internal/health"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/infra/chain/evm"
	"github.com/vietddude/bridge/internal/infra/chain/ibc"
	redisclient "github.com/vietddude/bridge/internal/infra/redis"
	"github.com/vietddude/bridge/internal/infra/storage"
	"github.com/vietddude/bridge/internal/infra/storage/memory"
	"github.com/vietddude/bridge/internal/infra/storage/postgres"
	"github.com/vietddude/bridge/internal/packet"
)

// Service is the assembled bridge node.
type Service struct {
	cfg *config.AppConfig

	manager   *bridge.Manager
	lifecycle *packet.Lifecycle
	gov       *governor.Governor
	sweeper   *worker.Sweeper
	commander *Commander

	healthMon    *health.Monitor
	healthServer *health.Server

	txs storage.TransactionRepository
	db  *postgres.DB
	rdb *redisclient.Client

	log *slog.Logger
}

// configRegistry serves the active validator set straight from config, with
// public keys decoded once at startup.
type configRegistry struct {
	validators []domain.Validator
}

func newConfigRegistry(cfgs []config.ValidatorConfig) (*configRegistry, error) {
	r := &configRegistry{}
	for _, vc := range cfgs {
		pub, err := hex.DecodeString(vc.PubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey for validator %s: %w", vc.ID, err)
		}
		r.validators = append(r.validators, domain.Validator{
			ID:        vc.ID,
			PubKey:    pub,
			Algorithm: vc.Algorithm,
		})
	}
	return r, nil
}

func (r *configRegistry) ListActiveValidators(ctx context.Context) ([]domain.Validator, error) {
	return r.validators, nil
}

// NewService creates a bridge node with all dependencies initialized.
func NewService(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Service, error) {
	svc := &Service{cfg: cfg, log: log}

	// 1. Storage
	var (
		txRepo         storage.TransactionRepository
		channelRepo    storage.ChannelRepository
		commitmentRepo storage.CommitmentRepository
		receiptRepo    storage.ReceiptRepository
		escrowRepo     storage.EscrowRepository
		assetRepo      storage.AssetRepository
		auditRepo      storage.AuditRepository
	)

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		txRepo = postgres.NewTxRepo(db)
		channelRepo = postgres.NewChannelRepo(db)
		commitmentRepo = postgres.NewCommitmentRepo(db)
		receiptRepo = postgres.NewReceiptRepo(db)
		escrowRepo = postgres.NewEscrowRepo(db)
		assetRepo = postgres.NewAssetRepo(db)
		auditRepo = postgres.NewAuditRepo(db)
		svc.db = db
		log.Info("using PostgreSQL storage")
	} else {
		store := memory.NewStore()
		txRepo = store.Transactions()
		channelRepo = store.Channels()
		commitmentRepo = store.Commitments()
		receiptRepo = store.Receipts()
		escrowRepo = store.Escrow()
		assetRepo = store.Assets()
		auditRepo = store.Audit()
		log.Info("using memory storage")
	}
	svc.txs = txRepo

	// 2. Cache
	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, idempotency cache and sweep lock disabled", "error", err)
		} else {
			svc.rdb = rdb
		}
	}

	// 3. Validator set and signing keys
	registry, err := newConfigRegistry(cfg.Validators)
	if err != nil {
		return nil, err
	}
	keys := consensus.NewStaticKeyProvider()
	for _, vc := range cfg.Validators {
		if vc.SeedHex == "" {
			continue
		}
		if err := keys.RotateFromSeed(vc.ID, vc.Algorithm, vc.SeedHex); err != nil {
			return nil, fmt.Errorf("failed to load key for validator %s: %w", vc.ID, err)
		}
	}
	engine := consensus.NewEngine(keys)

	// 4. Packet lifecycle with payload handlers
	handlers := packet.NewHandlerRegistry()
	lifecycleOpts := []packet.Option{
		packet.WithTimeoutCallback(svc.refundUndelivered),
		packet.WithFailureCallback(svc.refundUndelivered),
	}
	if svc.rdb != nil {
		lifecycleOpts = append(lifecycleOpts, packet.WithReceiptCache(svc.rdb))
	}
	svc.lifecycle = packet.NewLifecycle(
		channelRepo, commitmentRepo, receiptRepo,
		engine, registry, cfg.Bridge.Threshold, handlers, log,
		lifecycleOpts...,
	)
	handlers.Register(domain.PayloadTokenTransfer, packet.HandlerFunc(svc.handleTokenTransfer))
	handlers.Register(domain.PayloadOracleUpdate, packet.HandlerFunc(svc.handleOracleUpdate))
	handlers.Register(domain.PayloadGovernance, packet.HandlerFunc(svc.handleGovernancePacket))

	// 5. Chain connectors
	connectors := chain.NewRegistry()
	for _, cc := range cfg.Chains {
		switch cc.Kind {
		case domain.ChainKindIBC:
			// The relay endpoint still serves chain heads for the channel.
			head := evm.NewConnector(cc.ChainID, cc.Format, cc.ConnectorURL, log)
			connectors.Register(ibc.NewConnector(
				cc.ChainID, cc.Format, cc.ChannelID, svc.lifecycle, head, log))
			if err := svc.ensureChannel(ctx, channelRepo, cc); err != nil {
				return nil, fmt.Errorf("failed to open channel %s: %w", cc.ChannelID, err)
			}
		default:
			connectors.Register(evm.NewConnector(cc.ChainID, cc.Format, cc.ConnectorURL, log))
		}
	}

	// 6. Governor
	svc.gov = governor.New(engine, registry, auditRepo, log)
	if err := svc.gov.LoadHistory(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore governor state: %w", err)
	}

	// 7. Transfer manager
	var idemCache bridge.IdempotencyCache
	if svc.rdb != nil {
		idemCache = svc.rdb
	}
	svc.manager = bridge.NewManager(
		bridge.Config{
			Threshold:            cfg.Bridge.Threshold,
			FeeBps:               cfg.Bridge.FeeBps,
			HaltBlocksCollection: cfg.Bridge.HaltBlocksCollection,
			GraceWindow:          cfg.Bridge.GraceWindow,
		},
		txRepo, escrowRepo, assetRepo,
		engine, registry, connectors, svc.gov, idemCache, log,
	)

	if cfg.Bridge.HaltBlocksCollection {
		svc.gov.OnHalt(func(ctx context.Context) error {
			n, err := svc.manager.HaltCollecting(ctx)
			log.Info("collection suspended", "transfers", n)
			return err
		})
		svc.gov.OnResume(func(ctx context.Context) error {
			n, err := svc.manager.ResumeHalted(ctx)
			log.Info("collection resumed", "transfers", n)
			return err
		})
	}
	svc.gov.OnResume(func(ctx context.Context) error {
		n, err := svc.manager.ReactivateTimedOut(ctx)
		log.Info("timed-out transfers reactivated", "transfers", n)
		return err
	})

	// 8. Seed the asset registry from config
	for _, ac := range cfg.Assets {
		err := assetRepo.Register(ctx, &domain.AssetMetadata{
			AssetID:     ac.AssetID,
			Name:        ac.Name,
			Symbol:      ac.Symbol,
			Decimals:    ac.Decimals,
			NativeChain: ac.NativeChain,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register asset %s: %w", ac.AssetID, err)
		}
	}

	// 9. Sweeper
	svc.sweeper = worker.NewSweeper(
		txRepo, svc.manager, svc.rdb,
		cfg.Bridge.SweepInterval, cfg.Bridge.CollectWindow, cfg.Bridge.GraceWindow,
		log,
	)

	// 10. Health and command surface
	svc.commander = NewCommander(
		svc.manager, svc.lifecycle, svc.gov, connectors, registry,
		txRepo, channelRepo, escrowRepo, assetRepo, log,
	)

	svc.healthMon = health.NewMonitor(svc.gov, txRepo, escrowRepo)
	if svc.db != nil {
		svc.healthMon.Register("database", svc.db)
	}
	if svc.rdb != nil {
		svc.healthMon.Register("redis", svc.rdb)
	}
	for _, conn := range connectors.List() {
		svc.healthMon.Register("chain:"+string(conn.GetChainID()), conn)
	}
	svc.healthServer = health.NewServer(svc.healthMon, cfg.Server.Port, svc.commander)

	return svc, nil
}

// Commander exposes the command surface for the CLI.
func (s *Service) Commander() *Commander { return s.commander }

// ensureChannel opens the configured channel of an IBC chain when it does
// not exist yet, carrying the chain's timeout mode and delta. Both handshake
// legs run locally; the counterparty mirror is operated out of band.
func (s *Service) ensureChannel(ctx context.Context, channels storage.ChannelRepository, cc config.ChainConfig) error {
	if cc.ChannelID == "" {
		return nil
	}
	_, err := channels.Get(ctx, cc.ChannelID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, err := s.lifecycle.OpenInit(ctx, cc.ChannelID, "transfer", cc.ChannelID, cc.TimeoutMode, cc.TimeoutDelta); err != nil {
		return err
	}
	return s.lifecycle.OpenAck(ctx, cc.ChannelID)
}

// Start launches the background loops and the HTTP server.
func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.healthServer.Start(); err != nil {
			s.log.Error("health server failed", "error", err)
		}
	}()

	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	go s.sweeper.Start(ctx)

	s.log.Info("bridge node started", "port", s.cfg.Server.Port, "halted", s.gov.IsHalted())
	return nil
}

// Stop shuts the node down.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("stopping bridge node")

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Warn("failed to close redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("failed to close database", "error", err)
		}
	}
	return s.healthServer.Stop(ctx)
}

// refundUndelivered runs when a transfer-carrying packet finalizes without
// delivering, timed out or acknowledged as failed: the completed transfer
// rolls back to timed_out and refunds, since the destination never applied
// it.
func (s *Service) refundUndelivered(ctx context.Context, pkt *domain.Packet) error {
	if pkt.Type != domain.PayloadTokenTransfer {
		return nil
	}
	var instr chain.MintInstruction
	if err := json.Unmarshal(pkt.Payload, &instr); err != nil {
		return fmt.Errorf("undecodable transfer payload: %w", err)
	}
	if instr.TransferID == "" {
		return nil
	}
	if err := s.txs.UpdateStatusIf(ctx, instr.TransferID, domain.TxStatusCompleted, domain.TxStatusTimedOut); err != nil {
		return err
	}
	return s.manager.Refund(ctx, instr.TransferID)
}

// handleTokenTransfer applies an inbound transfer packet. The payload must
// decode to a mint instruction; applying it on the local ledger is the
// counterparty chain's concern, so the handler only validates and accepts.
func (s *Service) handleTokenTransfer(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
	var instr chain.MintInstruction
	if err := json.Unmarshal(pkt.Payload, &instr); err != nil {
		return nil, fmt.Errorf("%w: undecodable transfer payload: %v", domain.ErrValidation, err)
	}
	if instr.Amount == 0 || instr.Recipient == "" {
		return nil, fmt.Errorf("%w: transfer payload missing amount or recipient", domain.ErrValidation)
	}
	return []byte(instr.TransferID), nil
}

// handleOracleUpdate accepts oracle packets. Price propagation has no local
// state yet; the ack is what the sender needs.
func (s *Service) handleOracleUpdate(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
	return nil, nil
}

// governanceMsg is the payload of a governance packet: a governor action
// relayed from the counterparty with its own signature set.
type governanceMsg struct {
	Action     domain.GovernorAction       `json:"action"`
	Nonce      uint64                      `json:"nonce"`
	Signatures []domain.ValidatorSignature `json:"signatures"`
}

func (s *Service) handleGovernancePacket(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
	var msg governanceMsg
	if err := json.Unmarshal(pkt.Payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: undecodable governance payload: %v", domain.ErrValidation, err)
	}
	switch msg.Action {
	case domain.ActionHalt:
		return nil, s.gov.Halt(ctx, msg.Nonce, msg.Signatures)
	case domain.ActionResume:
		return nil, s.gov.Resume(ctx, msg.Nonce, msg.Signatures)
	default:
		return nil, fmt.Errorf("%w: unknown governor action %q", domain.ErrValidation, msg.Action)
	}
}
