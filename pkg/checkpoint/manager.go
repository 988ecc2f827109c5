package checkpoint

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"ccbt/pkg/config"
	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
	"ccbt/pkg/storage"
)

var checkpointFileRe = regexp.MustCompile(`^([0-9a-f]{40})\.checkpoint\.(json|bin(?:\.gz|\.zst)?)$`)

var binaryCompressions = []storage.Compression{storage.CompressionNone, storage.CompressionGzip, storage.CompressionZstd}

// Options configures a Manager
type Options struct {
	// Directory holds every checkpoint file of this client instance
	Directory string
	// Format is used when a call passes an empty format
	Format      Format
	Compression storage.Compression
	// Deduplication skips writes whose salient content did not change
	Deduplication bool
	// Disabled makes every mutating call fail
	Disabled bool

	VerifyAttempts int
	VerifyDelay    time.Duration

	Logger logger.Logger
	// Clock is used to stamp UpdatedAt; defaults to time.Now
	Clock func() time.Time
}

type dedupKey struct {
	hash   InfoHash
	format Format
}

// Manager owns the checkpoint directory and persists per-torrent records
type Manager struct {
	dir         string
	format      Format
	compression storage.Compression
	dedup       bool
	disabled    bool
	store       *storage.AtomicStore
	logger      logger.Logger
	now         func() time.Time

	// mu guards digests only; saves for different hashes run in parallel
	mu      sync.Mutex
	digests map[dedupKey][sha256.Size]byte
}

// NewManager creates a manager rooted at opts.Directory, creating it if needed
func NewManager(opts Options) (*Manager, error) {
	if opts.Directory == "" {
		opts.Directory = config.DefaultCheckpointDir
	}
	if opts.Format == "" {
		opts.Format = FormatBoth
	}
	if opts.Compression == "" {
		opts.Compression = storage.CompressionNone
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := logger.OrDefault(opts.Logger).WithComponent("checkpoint")

	if err := os.MkdirAll(opts.Directory, 0755); err != nil {
		return nil, errs.Checkpoint("failed to create checkpoint directory", err)
	}

	return &Manager{
		dir:         opts.Directory,
		format:      opts.Format,
		compression: opts.Compression,
		dedup:       opts.Deduplication,
		disabled:    opts.Disabled,
		store: storage.NewAtomicStore(storage.Options{
			VerifyAttempts: opts.VerifyAttempts,
			VerifyDelay:    opts.VerifyDelay,
			Logger:         opts.Logger,
		}),
		logger:  log,
		now:     opts.Clock,
		digests: make(map[dedupKey][sha256.Size]byte),
	}, nil
}

// NewManagerFromConfig builds a manager from the checkpoint section of the configuration
func NewManagerFromConfig(cfg *config.Config, log logger.Logger) (*Manager, error) {
	cp := cfg.Checkpoint
	format, err := ParseFormat(cp.Format)
	if err != nil {
		return nil, errs.Checkpoint("invalid checkpoint configuration", err)
	}
	compression, err := storage.ParseCompression(cp.Compression)
	if err != nil {
		return nil, errs.Checkpoint("invalid checkpoint configuration", err)
	}
	return NewManager(Options{
		Directory:      cfg.CheckpointDir(),
		Format:         format,
		Compression:    compression,
		Deduplication:  cp.Deduplication,
		Disabled:       !cp.Enabled,
		VerifyAttempts: cp.VerifyAttempts,
		VerifyDelay:    cp.VerifyDelay,
		Logger:         log,
	})
}

// Dir returns the checkpoint directory
func (m *Manager) Dir() string { return m.dir }

// JSONPath returns the path of the JSON record for hash
func (m *Manager) JSONPath(hash InfoHash) string {
	return filepath.Join(m.dir, hash.String()+jsonExtension)
}

// BinaryPath returns the path of the binary record for hash under the configured compression
func (m *Manager) BinaryPath(hash InfoHash) string {
	return m.binaryPathFor(hash, m.compression)
}

func (m *Manager) binaryPathFor(hash InfoHash, c storage.Compression) string {
	return filepath.Join(m.dir, hash.String()+binaryExtension+c.Extension())
}

// findBinary returns the existing binary record for hash, preferring the
// configured compression, or "" when none exists
func (m *Manager) findBinary(hash InfoHash) string {
	candidates := []string{m.BinaryPath(hash)}
	for _, c := range binaryCompressions {
		if c != m.compression {
			candidates = append(candidates, m.binaryPathFor(hash, c))
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (m *Manager) resolve(format Format) Format {
	if format == "" {
		return m.format
	}
	return format
}

func (m *Manager) checkEnabled(op string) error {
	if m.disabled {
		return errs.Checkpoint(op+": checkpointing is disabled", nil)
	}
	return nil
}

// Save persists cp and returns the primary path written. UpdatedAt is
// refreshed to the current second first. With deduplication enabled an
// unchanged record is not rewritten and the would-be path is returned.
func (m *Manager) Save(cp *TorrentCheckpoint, format Format) (string, error) {
	if err := m.checkEnabled("save"); err != nil {
		return "", err
	}
	if cp == nil {
		return "", errs.Checkpoint("save: nil checkpoint", nil)
	}
	format = m.resolve(format)

	cp.normalizeVerified()
	if err := cp.Validate(); err != nil {
		return "", errs.WithInfoHash(errs.Checkpoint("refusing to save invalid checkpoint", err), cp.InfoHash.String())
	}

	now := m.now().UTC().Truncate(time.Second)
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	} else {
		cp.CreatedAt = cp.CreatedAt.UTC()
	}

	primary := m.JSONPath(cp.InfoHash)
	if format == FormatBinary {
		primary = m.BinaryPath(cp.InfoHash)
	}

	key := dedupKey{hash: cp.InfoHash, format: format}
	var digest [sha256.Size]byte
	if m.dedup {
		digest = contentDigest(cp)
		m.mu.Lock()
		last, seen := m.digests[key]
		m.mu.Unlock()
		if seen && last == digest {
			m.logger.DebugWithFields("Checkpoint unchanged, skipping write", map[string]interface{}{
				"info_hash": cp.InfoHash,
				"format":    format,
			})
			return primary, nil
		}
	}

	// every payload is encoded before the first write so an encoding
	// failure never leaves the two representations disagreeing on disk
	var (
		jsonData, binData []byte
		err               error
	)
	switch format {
	case FormatJSON:
		jsonData, err = JSONCodec{}.Encode(cp)
	case FormatBinary:
		binData, err = m.encodeBinary(cp)
	case FormatBoth:
		if jsonData, err = (JSONCodec{}).Encode(cp); err == nil {
			binData, err = m.encodeBinary(cp)
		}
	default:
		err = errs.Checkpoint(fmt.Sprintf("unknown checkpoint format %q", format), nil)
	}
	if err == nil && jsonData != nil {
		err = m.store.Write(m.JSONPath(cp.InfoHash), jsonData)
	}
	if err == nil && binData != nil {
		err = m.writeBinary(cp.InfoHash, binData)
	}
	if err != nil {
		return "", errs.WithInfoHash(errs.Wrap(err, "save checkpoint"), cp.InfoHash.String())
	}

	if m.dedup {
		m.mu.Lock()
		m.digests[key] = digest
		m.mu.Unlock()
	}

	m.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"info_hash":       cp.InfoHash,
		"format":          format,
		"verified_pieces": len(cp.VerifiedPieces),
		"total_pieces":    cp.TotalPieces,
		"path":            primary,
	})
	return primary, nil
}

func (m *Manager) encodeBinary(cp *TorrentCheckpoint) ([]byte, error) {
	data, err := BinaryCodec{}.Encode(cp)
	if err != nil {
		return nil, err
	}
	data, err = storage.Compress(m.compression, data)
	if err != nil {
		return nil, errs.Checkpoint("failed to compress binary checkpoint", err)
	}
	return data, nil
}

func (m *Manager) writeBinary(hash InfoHash, data []byte) error {
	if err := m.store.Write(m.BinaryPath(hash), data); err != nil {
		return err
	}
	// one binary record per hash; drop variants left by another compression setting
	for _, c := range binaryCompressions {
		if c == m.compression {
			continue
		}
		path := m.binaryPathFor(hash, c)
		if _, err := m.store.Remove(path); err != nil {
			m.logger.WithError(err).WarnWithFields("Failed to remove stale binary checkpoint", map[string]interface{}{
				"info_hash": hash,
				"path":      path,
			})
		}
	}
	return nil
}

// Load reads the record for hash. It returns nil, nil when no file exists.
// FormatBoth tries JSON first and falls back to binary.
func (m *Manager) Load(hash InfoHash, format Format) (*TorrentCheckpoint, error) {
	var (
		cp  *TorrentCheckpoint
		err error
	)
	switch m.resolve(format) {
	case FormatJSON:
		cp, err = m.loadJSON(hash)
	case FormatBinary:
		cp, err = m.loadBinary(hash)
	case FormatBoth:
		cp, err = m.loadJSON(hash)
		if cp == nil {
			jsonErr := err
			cp, err = m.loadBinary(hash)
			if cp != nil && jsonErr != nil {
				m.logger.WithError(jsonErr).WarnWithFields("JSON checkpoint unreadable, using binary record", map[string]interface{}{
					"info_hash": hash,
				})
			}
			if cp == nil && jsonErr != nil {
				err = jsonErr
			}
		}
	default:
		err = errs.Checkpoint(fmt.Sprintf("unknown checkpoint format %q", format), nil)
	}
	if err != nil {
		return nil, errs.WithInfoHash(errs.Wrap(err, "load checkpoint"), hash.String())
	}
	if cp == nil {
		return nil, nil
	}

	if cp.InfoHash != hash {
		return nil, errs.WithInfoHash(
			errs.Corrupted(fmt.Sprintf("record holds info hash %s", cp.InfoHash), nil),
			hash.String(),
		)
	}
	return cp, nil
}

func (m *Manager) loadJSON(hash InfoHash) (*TorrentCheckpoint, error) {
	data, err := m.store.Read(m.JSONPath(hash))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return JSONCodec{}.Decode(data)
}

func (m *Manager) loadBinary(hash InfoHash) (*TorrentCheckpoint, error) {
	path := m.findBinary(hash)
	if path == "" {
		return nil, nil
	}
	data, err := m.store.Read(path)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	data, err = storage.Decompress(storage.CompressionFromPath(path), data)
	if err != nil {
		return nil, errs.Corrupted("failed to decompress "+filepath.Base(path), err)
	}
	return BinaryCodec{}.Decode(data)
}

// Delete removes every representation of hash. It reports whether any file was removed.
func (m *Manager) Delete(hash InfoHash) (bool, error) {
	if err := m.checkEnabled("delete"); err != nil {
		return false, err
	}

	paths := []string{m.JSONPath(hash)}
	for _, c := range binaryCompressions {
		paths = append(paths, m.binaryPathFor(hash, c))
	}

	removed := false
	var failures []error
	for _, path := range paths {
		ok, err := m.store.Remove(path)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		removed = removed || ok
	}
	m.ResetDeduplication(hash)

	if len(failures) > 0 {
		return removed, errs.WithInfoHash(errs.Checkpoint("delete checkpoint", errors.Join(failures...)), hash.String())
	}
	if removed {
		m.logger.InfoWithFields("Checkpoint deleted", map[string]interface{}{
			"info_hash": hash,
		})
	}
	return removed, nil
}

// List enumerates checkpoint files, newest first. Names that do not follow
// the <hash>.checkpoint.<ext> convention are ignored, and files that cannot
// be inspected are logged and skipped.
func (m *Manager) List() ([]CheckpointFileInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Checkpoint("failed to read checkpoint directory", err)
	}

	var infos []CheckpointFileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := checkpointFileRe.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		hash, err := ParseInfoHash(match[1])
		if err != nil {
			m.logger.WarnWithFields("Skipping checkpoint file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			m.logger.WarnWithFields("Skipping checkpoint file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}

		format := FormatJSON
		if match[2] != "json" {
			format = FormatBinary
		}
		infos = append(infos, CheckpointFileInfo{
			Path:      filepath.Join(m.dir, entry.Name()),
			InfoHash:  hash,
			CreatedAt: stat.ModTime(),
			UpdatedAt: stat.ModTime(),
			Size:      stat.Size(),
			Format:    format,
		})
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Verify reports whether a record exists for hash and satisfies the piece invariants
func (m *Manager) Verify(hash InfoHash) (bool, error) {
	cp, err := m.Load(hash, FormatBoth)
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}
	if err := cp.Validate(); err != nil {
		m.logger.WarnWithFields("Checkpoint failed verification", map[string]interface{}{
			"info_hash": hash,
			"reason":    err.Error(),
		})
		return false, nil
	}
	return true, nil
}

// Export encodes the current record for hash in format without touching the
// canonical files. Binary exports are uncompressed.
func (m *Manager) Export(hash InfoHash, format Format) ([]byte, error) {
	cp, err := m.Load(hash, FormatBoth)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errs.NotFound(hash.String(), "no checkpoint to export")
	}

	codec, err := CodecFor(format)
	if err != nil {
		return nil, err
	}
	return codec.Encode(cp)
}

// Convert loads the record in from and saves it in to
func (m *Manager) Convert(hash InfoHash, from, to Format) (string, error) {
	if err := m.checkEnabled("convert"); err != nil {
		return "", err
	}
	cp, err := m.Load(hash, from)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", errs.NotFound(hash.String(), fmt.Sprintf("no %s checkpoint to convert", m.resolve(from)))
	}

	path, err := m.Save(cp, to)
	if err != nil {
		return "", err
	}
	m.logger.InfoWithFields("Checkpoint converted", map[string]interface{}{
		"info_hash": hash,
		"from":      m.resolve(from),
		"to":        m.resolve(to),
		"path":      path,
	})
	return path, nil
}

// Expired lists checkpoint files whose modification time is older than maxAgeDays
func (m *Manager) Expired(maxAgeDays int) ([]CheckpointFileInfo, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	var expired []CheckpointFileInfo
	for _, info := range infos {
		if info.UpdatedAt.Before(cutoff) {
			expired = append(expired, info)
		}
	}
	return expired, nil
}

// Cleanup deletes checkpoint files older than maxAgeDays and returns how many
// were removed. A file that cannot be removed is logged and skipped.
func (m *Manager) Cleanup(maxAgeDays int) (int, error) {
	if err := m.checkEnabled("cleanup"); err != nil {
		return 0, err
	}
	expired, err := m.Expired(maxAgeDays)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, info := range expired {
		ok, err := m.store.Remove(info.Path)
		if err != nil {
			m.logger.WithError(err).WarnWithFields("Failed to remove expired checkpoint", map[string]interface{}{
				"path": info.Path,
			})
			continue
		}
		if ok {
			removed++
			m.ResetDeduplication(info.InfoHash)
		}
	}

	m.logger.InfoWithFields("Checkpoint cleanup finished", map[string]interface{}{
		"max_age_days": maxAgeDays,
		"removed":      removed,
		"candidates":   len(expired),
	})
	return removed, nil
}

// Stats summarises the checkpoint directory
type Stats struct {
	TotalFiles   int
	TotalSize    int64
	FormatCounts map[Format]int
	Oldest       time.Time
	Newest       time.Time
}

// Stats returns file counts, sizes and the age range of the directory
func (m *Manager) Stats() (Stats, error) {
	infos, err := m.List()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{FormatCounts: make(map[Format]int)}
	for _, info := range infos {
		stats.TotalFiles++
		stats.TotalSize += info.Size
		stats.FormatCounts[info.Format]++
		if stats.Oldest.IsZero() || info.UpdatedAt.Before(stats.Oldest) {
			stats.Oldest = info.UpdatedAt
		}
		if info.UpdatedAt.After(stats.Newest) {
			stats.Newest = info.UpdatedAt
		}
	}
	return stats, nil
}

// ResetDeduplication forgets the last saved digest for hash so the next save always writes
func (m *Manager) ResetDeduplication(hash InfoHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.digests {
		if key.hash == hash {
			delete(m.digests, key)
		}
	}
}
