package braid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Node wires workers, the proposer, vote aggregation, the DAG,
// synchronization and garbage collection into one mempool instance.
type Node struct {
	cfg *Config

	workers      []*Worker
	proposer     *Proposer
	aggregator   *Aggregator
	dag          *DAG
	voteTracker  *VoteTracker
	synchronizer *Synchronizer
	gc           *GarbageCollector
	headerWaiter *HeaderWaiter
	validator    *Validator

	certRequestLimiter *PerPeerRateLimiter

	hooks *Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewNode creates a node from a validated config.
func NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:                cfg,
		hooks:              cfg.Hooks,
		certRequestLimiter: NewPerPeerRateLimiter(100, 200),
		ctx:                ctx,
		cancel:             cancel,
		logger:             cfg.Logger.With(zap.Uint16("authority", cfg.Authority)),
	}

	// Round advances feed back into the proposer before the caller's hook
	// runs.
	wrappedHooks := cfg.Hooks.Clone()
	if wrappedHooks == nil {
		wrappedHooks = &Hooks{}
	}
	originalOnRoundAdvanced := wrappedHooks.OnRoundAdvanced
	wrappedHooks.OnRoundAdvanced = func(e RoundAdvancedEvent) {
		if n.proposer != nil {
			n.proposer.OnRoundAdvanced(e.Round)
		}
		if originalOnRoundAdvanced != nil {
			originalOnRoundAdvanced(e)
		}
	}

	n.dag = NewDAGWithOptions(cfg.Committee, wrappedHooks, &cfg.DAGCache, cfg.Logger)
	n.validator = NewValidator(cfg.Validation, cfg.Committee)
	n.voteTracker = NewVoteTracker(cfg.Logger)
	n.voteTracker.SetEpoch(cfg.Committee.Epoch())

	n.aggregator = NewAggregator(AggregatorConfig{
		Committee: cfg.Committee,
		Hooks:     cfg.Hooks,
		Logger:    cfg.Logger,
	})

	n.synchronizer = NewSynchronizer(SynchronizerConfig{
		Authority:              cfg.Authority,
		Committee:              cfg.Committee,
		Network:                cfg.Network,
		Storage:                cfg.Storage,
		RetryDelay:             cfg.SyncRetryDelay,
		MaxRetryDelay:          cfg.MaxSyncRetryDelay,
		MaxUncertifiedAttempts: cfg.MaxUncertifiedAttempts,
		Hooks:                  cfg.Hooks,
		Logger:                 cfg.Logger,
	})

	n.proposer = NewProposer(ProposerConfig{
		Authority:        cfg.Authority,
		Committee:        cfg.Committee,
		DAG:              n.dag,
		MaxHeaderPayload: cfg.MaxHeaderPayload,
		MaxHeaderDelay:   cfg.MaxHeaderDelay,
		RoundTimeout:     cfg.RoundTimeout,
		DropOnFull:       cfg.DropOnFull,
		Hooks:            cfg.Hooks,
		Logger:           cfg.Logger,
	})

	n.workers = make([]*Worker, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		worker, err := NewWorker(WorkerConfig{
			ID:             WorkerID(i),
			Authority:      cfg.Authority,
			Committee:      cfg.Committee,
			Storage:        cfg.Storage,
			Network:        cfg.Network,
			BatchSizeLimit: cfg.BatchSizeLimit,
			MaxBatchTxs:    cfg.BatchSize,
			BatchTimeout:   cfg.BatchTimeout,
			MaxPendingTxs:  cfg.MaxPendingTransactions,
			DropOnFull:     cfg.DropOnFull,
			OnOwnBatch:     n.proposer.AddBatchRef,
			Hooks:          cfg.Hooks,
			Logger:         cfg.Logger.With(zap.Int("worker", i)),
		})
		if err != nil {
			cancel()
			return nil, err
		}
		n.workers[i] = worker
	}

	n.headerWaiter = NewHeaderWaiter(
		HeaderWaiterConfig{FetchParents: true},
		n.processHeader,
		n.dag.IsCertified,
		cfg.Logger,
	)
	n.headerWaiter.SetFetchParentFunc(func(digest CertificateDigest, from AuthorityID) error {
		cert, err := n.synchronizer.FetchCertificate(n.ctx, digest, from, false)
		if err != nil {
			return err
		}
		return n.acceptCertificate(cert, from)
	})

	n.gc = NewGarbageCollector(GarbageCollectorConfig{
		DAG:          n.dag,
		Storage:      cfg.Storage,
		Aggregator:   n.aggregator,
		VoteTracker:  n.voteTracker,
		RetainRounds: cfg.GCRetainRounds,
		Interval:     cfg.GCInterval,
		KeepBatch:    n.synchronizer.ReferencesBatch,
		Hooks:        cfg.Hooks,
		Logger:       cfg.Logger,
	})

	return n, nil
}

// Start restores state from storage and launches the protocol loops.
func (n *Node) Start() error {
	n.logger.Info("starting node",
		zap.Int("workers", len(n.workers)),
		zap.Int("committee", n.cfg.Committee.Size()))

	if err := n.restoreFromStorage(); err != nil {
		n.logger.Warn("failed to restore from storage, starting fresh",
			zap.Error(err))
	}

	for _, w := range n.workers {
		n.spawnCtx(w.Run)
	}
	n.spawnCtx(n.proposer.Run)
	n.spawnCtx(n.headerWaiter.Run)
	n.spawnCtx(n.gc.Run)
	n.spawn(func() { n.proposalLoop() })
	n.spawn(func() { n.messageLoop() })
	n.spawn(func() { n.repairLoop() })

	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	SafeGo(n.logger, func() {
		defer n.wg.Done()
		fn()
	})
}

func (n *Node) spawnCtx(fn func(context.Context)) {
	n.wg.Add(1)
	SafeGoCtx(n.ctx, n.logger, func(ctx context.Context) {
		defer n.wg.Done()
		fn(ctx)
	})
}

// Stop cancels the loops and waits for them to drain.
func (n *Node) Stop() {
	n.logger.Info("stopping node")
	n.cancel()
	n.wg.Wait()
	n.logger.Info("node stopped")
}

// restoreFromStorage reloads recent certificates into the DAG so the node
// resumes at its pre-restart round.
func (n *Node) restoreFromStorage() error {
	highest, err := n.cfg.Storage.HighestRound()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			n.logger.Debug("no stored rounds found, starting fresh")
			return nil
		}
		return fmt.Errorf("failed to read highest round: %w", err)
	}

	var start Round
	if highest > Round(n.cfg.GCRetainRounds) {
		start = highest - Round(n.cfg.GCRetainRounds)
	}

	certs, err := n.cfg.Storage.CertificatesInRange(start, highest)
	if err != nil {
		return fmt.Errorf("failed to read certificates: %w", err)
	}
	if len(certs) == 0 {
		return nil
	}

	sortCertificates(certs)
	restored, failed := 0, 0
	for _, cert := range certs {
		// Our own storage only holds certificates that were verified
		// before being written
		cert.VerificationState = VerificationStateVerifiedIndirectly
		if err := n.dag.Insert(cert); err != nil {
			failed++
			continue
		}
		restored++
	}

	n.logger.Info("restored DAG from storage",
		zap.Int("restored", restored),
		zap.Int("failed", failed),
		zap.Uint64("current_round", n.dag.CurrentRound()))
	return nil
}

// AddTransaction routes a transaction to a worker by content so retries
// land on the same queue.
func (n *Node) AddTransaction(tx []byte) error {
	if len(tx) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrMalformedMessage)
	}
	sum := blake3.Sum256(tx)
	return n.workers[int(sum[0])%len(n.workers)].AddTransaction(tx)
}

// proposalLoop signs, registers and broadcasts headers the proposer emits.
func (n *Node) proposalLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case header := <-n.proposer.Headers():
			n.handleOwnHeader(header)
		}
	}
}

func (n *Node) handleOwnHeader(header *Header) {
	outcome, err := n.aggregator.RegisterHeader(header)
	if err != nil {
		n.logger.Error("failed to register own header", zap.Error(err))
		return
	}

	if err := n.cfg.Storage.PutHeader(header); err != nil {
		n.logger.Warn("failed to store own header", zap.Error(err))
	}

	selfVote, err := NewVote(header, n.cfg.Authority, n.cfg.Signer)
	if err != nil {
		n.logger.Error("failed to sign own header", zap.Error(err))
		return
	}
	if res := n.aggregator.SubmitVote(selfVote); res.Status == AggregationStatusCertified {
		outcome = res
	}

	n.cfg.Network.BroadcastHeader(header)

	// A quorum can already exist when buffered votes drained at
	// registration, or in a single-authority committee.
	if outcome.Status == AggregationStatusCertified {
		n.onOwnCertificate(outcome.Certificate)
	}
}

// messageLoop processes incoming network messages.
func (n *Node) messageLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-n.cfg.Network.Receive():
			if !ok {
				return
			}
			n.handleMessage(msg)
		}
	}
}

func (n *Node) handleMessage(msg Message) {
	switch m := msg.(type) {
	case *BatchMessage:
		if err := n.validator.ValidateBatch(m.Batch); err != nil {
			n.logger.Warn("invalid batch received",
				zap.Uint16("from", m.From), zap.Error(err))
			return
		}
		worker := n.workers[int(m.Worker)%len(n.workers)]
		if err := worker.ReceivePeerBatch(m.Batch, m.From); err != nil {
			n.logger.Warn("failed to store peer batch",
				zap.Uint16("from", m.From), zap.Error(err))
		}

	case *HeaderMessage:
		n.handleHeader(m.Header, m.From)

	case *VoteMessage:
		n.handleVote(m.Vote, m.From)

	case *CertificateMessage:
		n.handleCertificate(m.Certificate, m.From)

	case *BatchRequestMessage:
		worker := n.workers[int(m.Worker)%len(n.workers)]
		batch, err := worker.ServeBatchRequest(m.From, m.Digest)
		if err != nil {
			return
		}
		if err := n.cfg.Network.SendBatch(m.From, batch); err != nil {
			n.logger.Debug("failed to answer batch request",
				zap.Uint16("to", m.From), zap.Error(err))
		}

	case *CertificateRequestMessage:
		if !n.certRequestLimiter.Allow(m.From) {
			return
		}
		cert, err := n.cfg.Storage.GetCertificate(m.Digest)
		if err != nil {
			return
		}
		if err := n.cfg.Network.SendCertificate(m.From, cert); err != nil {
			n.logger.Debug("failed to answer certificate request",
				zap.Uint16("to", m.From), zap.Error(err))
		}

	case *WorkerSynchronizeMessage:
		req := m
		SafeGo(n.logger, func() {
			if err := n.synchronizer.SyncBatches(n.ctx, req); err != nil {
				n.logger.Warn("batch synchronization incomplete", zap.Error(err))
			}
		})

	default:
		n.logger.Warn("unhandled message type", zap.Uint8("type", uint8(msg.Type())))
	}
}

// handleHeader validates a peer header and parks it when parents are
// missing.
func (n *Node) handleHeader(header *Header, from AuthorityID) {
	if err := n.validator.ValidateHeader(header, n.dag.CurrentRound()); err != nil {
		n.logger.Warn("invalid header received",
			zap.Uint16("from", from), zap.Error(err))
		return
	}

	n.hooks.headerReceived(HeaderReceivedEvent{
		Digest: header.Digest,
		Author: header.Author,
		Round:  header.Round,
	})

	var missing []CertificateDigest
	for _, parent := range header.Parents {
		if !n.dag.IsCertified(parent) {
			missing = append(missing, parent)
		}
	}
	if len(missing) > 0 {
		n.headerWaiter.Add(header, from, missing)
		return
	}

	if err := n.processHeader(header, from); err != nil {
		n.logger.Warn("failed to process header",
			zap.Uint16("from", from), zap.Error(err))
	}
}

// processHeader votes for a header whose parents are all certified. Vote
// idempotence holds across retries: one (author, round) gets one digest.
func (n *Node) processHeader(header *Header, from AuthorityID) error {
	decision, _ := n.voteTracker.ShouldVote(header.Author, header.Round, header.Epoch, header.Digest)
	if decision != VoteDecisionAllow {
		n.logger.Debug("withholding vote",
			zap.Uint16("author", header.Author),
			zap.Uint64("round", header.Round),
			zap.String("decision", decision.String()))
		return nil
	}

	// Missing payload batches are fetched in the background; availability
	// is the author's claim to prove and the vote only attests to header
	// integrity against our view.
	n.requestMissingBatches(header)

	vote, err := NewVote(header, n.cfg.Authority, n.cfg.Signer)
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}
	n.voteTracker.RecordVote(header.Author, header.Round, header.Epoch, header.Digest)

	if err := n.cfg.Network.SendVote(header.Author, vote); err != nil {
		return fmt.Errorf("failed to send vote: %w", err)
	}
	n.hooks.voteSent(VoteSentEvent{
		HeaderDigest: header.Digest,
		Author:       header.Author,
		Round:        header.Round,
	})
	return nil
}

// requestMissingBatches starts bounded background fetches for payload
// batches not in local storage.
func (n *Node) requestMissingBatches(header *Header) {
	var missing []BatchDigest
	for _, ref := range header.Payload {
		if !n.cfg.Storage.HasBatch(ref.Digest) {
			missing = append(missing, ref.Digest)
		}
	}
	if len(missing) == 0 {
		return
	}

	msg := &WorkerSynchronizeMessage{
		Digests:     missing,
		Target:      header.Author,
		IsCertified: false,
		From:        n.cfg.Authority,
	}
	SafeGo(n.logger, func() {
		if err := n.synchronizer.SyncBatches(n.ctx, msg); err != nil {
			n.logger.Debug("header payload fetch incomplete",
				zap.String("header", header.Digest.String()),
				zap.Error(err))
		}
	})
}

// handleVote feeds a vote on one of our headers into aggregation.
func (n *Node) handleVote(vote *Vote, from AuthorityID) {
	if err := n.validator.ValidateVote(vote); err != nil {
		n.logger.Warn("invalid vote received",
			zap.Uint16("from", from), zap.Error(err))
		return
	}
	if vote.HeaderAuthor != n.cfg.Authority {
		n.logger.Warn("vote for foreign header",
			zap.Uint16("from", from),
			zap.Uint16("author", vote.HeaderAuthor))
		return
	}

	outcome := n.aggregator.SubmitVote(vote)
	n.hooks.voteReceived(VoteReceivedEvent{
		HeaderDigest: vote.HeaderDigest,
		Voter:        vote.Voter,
		Round:        vote.Round,
		Status:       outcome.Status,
	})

	switch outcome.Status {
	case AggregationStatusRejected:
		n.logger.Debug("vote rejected",
			zap.Uint16("voter", vote.Voter),
			zap.Uint64("round", vote.Round),
			zap.Error(outcome.Reason))
	case AggregationStatusCertified:
		n.onOwnCertificate(outcome.Certificate)
	}
}

// onOwnCertificate persists and publishes a certificate built from votes
// on our own header.
func (n *Node) onOwnCertificate(cert *Certificate) {
	if err := n.cfg.Storage.PutCertificate(cert); err != nil {
		n.logger.Error("failed to store own certificate", zap.Error(err))
		return
	}

	if err := n.dag.Insert(cert); err != nil {
		n.logger.Warn("failed to insert own certificate",
			zap.String("digest", cert.Digest().String()),
			zap.Error(err))
	}

	n.cfg.Network.BroadcastCertificate(cert)
	n.proposer.OnOwnCertified(cert.Header.Digest)
	n.headerWaiter.OnParentAvailable(cert.Digest())
}

// handleCertificate verifies a peer certificate and admits it to the DAG.
func (n *Node) handleCertificate(cert *Certificate, from AuthorityID) {
	if err := n.validator.ValidateCertificate(cert, n.dag.CurrentRound()); err != nil {
		n.logger.Warn("invalid certificate received",
			zap.Uint16("from", from), zap.Error(err))
		return
	}
	if err := cert.Verify(n.cfg.Committee); err != nil {
		n.logger.Warn("certificate failed verification",
			zap.Uint16("from", from), zap.Error(err))
		return
	}
	cert.VerificationState = VerificationStateVerifiedDirectly

	if err := n.acceptCertificate(cert, from); err != nil {
		n.logger.Warn("failed to accept certificate",
			zap.Uint16("from", from), zap.Error(err))
		return
	}

	n.hooks.certificateReceived(CertificateReceivedEvent{
		Digest: cert.Digest(),
		Author: cert.Author(),
		Round:  cert.Round(),
	})
}

// acceptCertificate stores a verified certificate, inserts it into the
// DAG, and starts certified-policy fetches for its payload batches.
func (n *Node) acceptCertificate(cert *Certificate, from AuthorityID) error {
	if err := n.cfg.Storage.PutCertificate(cert); err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}

	// The quorum vouches the batches exist somewhere; keep fetching until
	// they arrive.
	var missing []BatchDigest
	for _, ref := range cert.Header.Payload {
		if !n.cfg.Storage.HasBatch(ref.Digest) {
			missing = append(missing, ref.Digest)
		}
	}
	if len(missing) > 0 {
		msg := &WorkerSynchronizeMessage{
			Digests:     missing,
			Target:      cert.Author(),
			IsCertified: true,
			From:        n.cfg.Authority,
		}
		SafeGo(n.logger, func() {
			if err := n.synchronizer.SyncBatches(n.ctx, msg); err != nil {
				n.logger.Warn("certified batch fetch incomplete",
					zap.String("certificate", cert.Digest().String()),
					zap.Error(err))
			}
		})
	}

	if err := n.dag.Insert(cert); err != nil {
		return err
	}
	n.headerWaiter.OnParentAvailable(cert.Digest())
	return nil
}

// repairLoop fetches parents of parked certificates and expires stale
// buffered votes.
func (n *Node) repairLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.aggregator.ExpireBuffered()
			for _, digest := range n.dag.MissingParents() {
				digest := digest
				SafeGo(n.logger, func() {
					// Parents of an accepted certificate are certified
					// content
					cert, err := n.synchronizer.FetchCertificate(n.ctx, digest, n.cfg.Authority, true)
					if err != nil {
						return
					}
					cert.VerificationState = VerificationStateVerifiedIndirectly
					if err := n.acceptCertificate(cert, n.cfg.Authority); err != nil {
						n.logger.Debug("failed to accept fetched parent",
							zap.String("digest", digest.String()),
							zap.Error(err))
					}
				})
			}
		}
	}
}

// Uncommitted returns certificates the ordering layer has not consumed,
// sorted by (round, author).
func (n *Node) Uncommitted() []*Certificate {
	return n.dag.Uncommitted()
}

// MarkCommitted removes certificates from the uncommitted view.
func (n *Node) MarkCommitted(certs []*Certificate) {
	n.dag.MarkCommitted(certs)
}

// SetCommittedRound reports the consumer's commit progress, releasing
// rounds for garbage collection.
func (n *Node) SetCommittedRound(round Round) {
	n.gc.SetCommittedRound(round)
}

// CertificatesForRound returns the round's certificates in author order.
func (n *Node) CertificatesForRound(round Round) []*Certificate {
	return n.dag.CertificatesForRound(round)
}

// CurrentRound returns the DAG's current round.
func (n *Node) CurrentRound() Round {
	return n.dag.CurrentRound()
}

// DAG exposes the underlying DAG for direct reads.
func (n *Node) DAG() *DAG {
	return n.dag
}

// ForceSeal seals all workers' pending transactions immediately.
func (n *Node) ForceSeal() {
	for _, w := range n.workers {
		if _, err := w.ForceSeal(); err != nil {
			n.logger.Warn("force seal failed", zap.Error(err))
		}
	}
}

// NodeStats aggregates component statistics.
type NodeStats struct {
	DAG          DAGStats
	Aggregator   AggregatorStats
	Proposer     ProposerStats
	Synchronizer SynchronizerStats
	GC           GarbageCollectorStats
	HeaderWaiter HeaderWaiterStats
	VoteTracker  VoteTrackerStats
	Workers      []WorkerStats
}

// Stats returns current statistics across all components.
func (n *Node) Stats() NodeStats {
	stats := NodeStats{
		DAG:          n.dag.Stats(),
		Aggregator:   n.aggregator.Stats(),
		Proposer:     n.proposer.Stats(),
		Synchronizer: n.synchronizer.Stats(),
		GC:           n.gc.Stats(),
		HeaderWaiter: n.headerWaiter.Stats(),
		VoteTracker:  n.voteTracker.Stats(),
	}
	for _, w := range n.workers {
		stats.Workers = append(stats.Workers, w.Stats())
	}
	return stats
}
