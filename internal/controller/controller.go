package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ccbt/pkg/checkpoint"
	"ccbt/pkg/config"
	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
)

// ErrStopped is returned for events submitted after Stop
var ErrStopped = errors.New("checkpoint controller is stopped")

// Engine is the download engine side of a torrent session
type Engine interface {
	GetCheckpointState(name string, infoHash checkpoint.InfoHash, outputDir string) (*checkpoint.TorrentCheckpoint, error)
	RestoreFromCheckpoint(cp *checkpoint.TorrentCheckpoint) error
}

// Store persists checkpoints; *checkpoint.Manager implements it
type Store interface {
	Save(cp *checkpoint.TorrentCheckpoint, format checkpoint.Format) (string, error)
	Load(hash checkpoint.InfoHash, format checkpoint.Format) (*checkpoint.TorrentCheckpoint, error)
}

// Session describes the torrent a controller checkpoints, plus the fields
// the engine does not know about and that are merged into every flush
type Session struct {
	Name      string
	InfoHash  checkpoint.InfoHash
	OutputDir string

	AnnounceURLs    []string
	DisplayName     string
	TorrentFilePath string
	MagnetURI       string
	FileSelections  map[int]checkpoint.FileSelection
	QueuePosition   int
	QueuePriority   int
}

// Config controls when flushes happen
type Config struct {
	// BatchPieces flushes once this many pieces were verified since the last flush
	BatchPieces int
	// BatchInterval flushes once this much time passed since the last flush
	BatchInterval time.Duration
	// CheckpointInterval and ResumeSaveInterval drive the periodic loop,
	// which runs at the smaller non-zero of the two
	CheckpointInterval time.Duration
	ResumeSaveInterval time.Duration
	// Format passed to Store.Save; empty uses the store default
	Format checkpoint.Format
}

// ConfigFromCheckpoint maps the checkpoint configuration section
func ConfigFromCheckpoint(cfg *config.CheckpointConfig) (Config, error) {
	format, err := checkpoint.ParseFormat(cfg.Format)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BatchPieces:        cfg.BatchPieces,
		BatchInterval:      cfg.BatchInterval,
		CheckpointInterval: cfg.CheckpointInterval,
		ResumeSaveInterval: cfg.ResumeSaveInterval,
		Format:             format,
	}, nil
}

// Synchronous reports whether batching is disabled
func (c Config) Synchronous() bool {
	return c.BatchPieces <= 0 && c.BatchInterval <= 0
}

// PeriodicInterval returns the periodic flush interval, or 0 when the loop is off
func (c Config) PeriodicInterval() time.Duration {
	switch {
	case c.CheckpointInterval <= 0:
		return max(c.ResumeSaveInterval, 0)
	case c.ResumeSaveInterval <= 0:
		return c.CheckpointInterval
	default:
		return min(c.CheckpointInterval, c.ResumeSaveInterval)
	}
}

// State of the controller's save pipeline
type State int

const (
	StateIdle State = iota
	StatePending
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Controller decides when a torrent session's state is written to the store.
// Piece events move it from Idle to Pending; a batcher goroutine flushes when
// the piece threshold or batch interval is reached, and a periodic goroutine
// flushes regardless. Stopping either loop triggers exactly one final flush.
type Controller struct {
	session Session
	engine  Engine
	store   Store
	cfg     Config
	logger  logger.Logger
	now     func() time.Time

	events  chan uint32
	stopped chan struct{}

	// flushMu allows one save in flight
	flushMu sync.Mutex

	mu        sync.Mutex
	state     State
	pending   int
	lastFlush time.Time
	flushes   int

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	finalOnce sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New creates a controller for one torrent session
func New(session Session, engine Engine, store Store, cfg Config, log logger.Logger) *Controller {
	log = logger.OrDefault(log)

	return &Controller{
		session: session,
		engine:  engine,
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("checkpoint_controller").WithField("info_hash", session.InfoHash.String()),
		now:     time.Now,
		events:  make(chan uint32, 256),
		stopped: make(chan struct{}),
	}
}

// Start launches the batcher and periodic loops. They run until ctx is
// cancelled or Stop is called; after either, PieceVerified returns ErrStopped.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		select {
		case <-c.stopped:
			return
		default:
		}

		ctx, c.cancel = context.WithCancel(ctx)
		c.group, ctx = errgroup.WithContext(ctx)

		c.mu.Lock()
		c.lastFlush = c.now()
		c.mu.Unlock()

		logger.LogComponentStart(c.logger, "checkpoint_controller", map[string]interface{}{
			"batch_pieces":      c.cfg.BatchPieces,
			"batch_interval":    c.cfg.BatchInterval,
			"periodic_interval": c.cfg.PeriodicInterval(),
			"synchronous":       c.cfg.Synchronous(),
		})

		if !c.cfg.Synchronous() {
			c.group.Go(func() error { return c.runBatcher(ctx) })
		}
		c.group.Go(func() error { return c.runPeriodic(ctx) })
	})
}

// Stop cancels both loops and waits for the final flush
func (c *Controller) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.closeStopped()
		if c.cancel == nil {
			// never started; still persist what the engine has
			c.finalFlush()
			return
		}
		c.cancel()
		err = c.group.Wait()
		logger.LogComponentStop(c.logger, "checkpoint_controller", "stopped")
	})
	return err
}

// PieceVerified records a verified piece. With batching disabled the flush
// happens before it returns; otherwise the event is queued for the batcher.
func (c *Controller) PieceVerified(index uint32) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}

	if c.cfg.Synchronous() {
		c.markPending()
		return c.Flush()
	}

	select {
	case c.events <- index:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// Flush collects the engine state, enriches it and saves it
func (c *Controller) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.state = StateFlushing
	c.mu.Unlock()

	start := c.now()
	path, err := c.flush()
	if err != nil {
		c.mu.Lock()
		c.state = c.restingState()
		c.mu.Unlock()

		c.logger.ErrorWithFields("Checkpoint flush failed", map[string]interface{}{
			"pending":    batch,
			"error":      err.Error(),
			"error_type": string(errs.TypeOf(err)),
		})
		return err
	}

	c.mu.Lock()
	c.pending -= batch
	c.lastFlush = c.now()
	c.flushes++
	c.state = c.restingState()
	c.mu.Unlock()

	logger.LogMetrics(c.logger, "checkpoint_flush", map[string]interface{}{
		"pieces":   batch,
		"path":     path,
		"duration": time.Since(start),
	})
	return nil
}

func (c *Controller) flush() (string, error) {
	cp, err := c.engine.GetCheckpointState(c.session.Name, c.session.InfoHash, c.session.OutputDir)
	if err != nil {
		return "", errs.Checkpoint("failed to collect checkpoint state", err)
	}
	if cp == nil {
		return "", errs.Checkpoint("engine returned no checkpoint state", nil)
	}

	c.enrich(cp)
	return c.store.Save(cp, c.cfg.Format)
}

// enrich fills in session fields the engine leaves empty and rebuilds the
// fast resume bitmap from the verified set
func (c *Controller) enrich(cp *checkpoint.TorrentCheckpoint) {
	s := c.session

	if len(cp.AnnounceURLs) == 0 && len(s.AnnounceURLs) > 0 {
		cp.AnnounceURLs = append([]string(nil), s.AnnounceURLs...)
	}
	if cp.DisplayName == "" {
		cp.DisplayName = s.DisplayName
	}
	if cp.TorrentFilePath == "" && cp.MagnetURI == "" {
		if s.TorrentFilePath != "" {
			cp.TorrentFilePath = s.TorrentFilePath
		} else {
			cp.MagnetURI = s.MagnetURI
		}
	}
	if cp.FileSelections == nil && len(s.FileSelections) > 0 {
		cp.FileSelections = make(map[int]checkpoint.FileSelection, len(s.FileSelections))
		for idx, sel := range s.FileSelections {
			cp.FileSelections[idx] = sel
		}
	}

	if cp.ResumeData == nil {
		cp.ResumeData = &checkpoint.FastResumeData{Version: 1}
	}
	cp.ResumeData.QueuePosition = s.QueuePosition
	cp.ResumeData.QueuePriority = s.QueuePriority
	if cp.ResumeData.PeerState == nil && len(cp.ConnectedPeers) > 0 {
		cp.ResumeData.PeerState = cp.ConnectedPeers
	}
	if cp.ResumeData.UploadStats.TotalUploaded == 0 {
		cp.ResumeData.UploadStats.TotalUploaded = cp.DownloadStats.BytesUploaded
	}

	bitmap, err := checkpoint.PackBitfield(cp.TotalPieces, cp.VerifiedPieces)
	if err != nil {
		c.logger.WarnWithFields("Skipping fast resume bitmap", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	cp.ResumeData.PieceBitmap = bitmap
}

// Resume loads the stored checkpoint and hands it to the engine. It returns
// nil, nil when there is nothing to resume; any load or validation failure
// is returned so the caller does not silently start over.
func (c *Controller) Resume() (*checkpoint.TorrentCheckpoint, error) {
	cp, err := c.store.Load(c.session.InfoHash, checkpoint.FormatBoth)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		c.logger.Info("No checkpoint to resume from")
		return nil, nil
	}

	if err := cp.Validate(); err != nil {
		return nil, errs.WithInfoHash(errs.Corrupted("checkpoint failed verification", err), c.session.InfoHash.String())
	}
	if err := cp.ValidateProvenance(); err != nil {
		c.logger.WithError(err).Warn("Checkpoint provenance does not match session")
	}

	if err := c.engine.RestoreFromCheckpoint(cp); err != nil {
		return nil, errs.Checkpoint("engine failed to restore checkpoint", err)
	}

	c.logger.InfoWithFields("Resumed from checkpoint", map[string]interface{}{
		"verified_pieces": len(cp.VerifiedPieces),
		"total_pieces":    cp.TotalPieces,
		"updated_at":      cp.UpdatedAt,
	})
	return cp, nil
}

// State returns the current pipeline state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of verified pieces not yet flushed
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Flushes returns the number of successful flushes
func (c *Controller) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

func (c *Controller) runBatcher(ctx context.Context) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			c.closeStopped()
			c.drainEvents()
			c.finalFlush()
			return nil

		case index := <-c.events:
			c.markPending()
			if c.batchReady() {
				stopTimer()
				c.Flush()
				continue
			}
			if timer == nil && c.cfg.BatchInterval > 0 {
				timer = time.NewTimer(c.untilBatchDeadline())
				timerC = timer.C
			}
			c.logger.DebugWithFields("Piece queued for checkpoint", map[string]interface{}{
				"piece":   index,
				"pending": c.Pending(),
			})

		case <-timerC:
			timer, timerC = nil, nil
			if c.Pending() > 0 {
				c.Flush()
			}
		}
	}
}

func (c *Controller) runPeriodic(ctx context.Context) error {
	interval := c.cfg.PeriodicInterval()
	if interval <= 0 {
		<-ctx.Done()
		c.closeStopped()
		c.finalFlush()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeStopped()
			c.finalFlush()
			return nil
		case <-ticker.C:
			c.Flush()
		}
	}
}

// finalFlush runs once per controller; its failure is logged, not returned
func (c *Controller) finalFlush() {
	c.finalOnce.Do(func() {
		if err := c.Flush(); err != nil {
			c.logger.WithError(err).Error("Final checkpoint flush failed")
			return
		}
		c.logger.Debug("Final checkpoint flush completed")
	})
}

// closeStopped rejects further piece events. It runs on Stop and when the
// loops exit because the parent context was cancelled.
func (c *Controller) closeStopped() {
	c.closeOnce.Do(func() { close(c.stopped) })
}

// drainEvents counts queued events so the final flush accounts for them
func (c *Controller) drainEvents() {
	for {
		select {
		case <-c.events:
			c.markPending()
		default:
			return
		}
	}
}

func (c *Controller) markPending() {
	c.mu.Lock()
	c.pending++
	if c.state == StateIdle {
		c.state = StatePending
	}
	c.mu.Unlock()
}

func (c *Controller) batchReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.BatchPieces > 0 && c.pending >= c.cfg.BatchPieces {
		return true
	}
	return c.cfg.BatchInterval > 0 && c.now().Sub(c.lastFlush) >= c.cfg.BatchInterval
}

func (c *Controller) untilBatchDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.cfg.BatchInterval-c.now().Sub(c.lastFlush), time.Millisecond)
}

// restingState must be called with mu held
func (c *Controller) restingState() State {
	if c.pending > 0 {
		return StatePending
	}
	return StateIdle
}
