// Package config holds the tunables recognized by the lsmkv storage core.
package config

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// NumLevels is the number of levels in the tree: L0..L6.
const NumLevels = 7

// Config contains every option the storage core recognizes. WithDefaults
// fills zero-value fields from Default (Open calls it before Validate),
// mirroring the teacher's DefaultConfig pattern.
type Config struct {
	// DirPath is the root directory under which wal/, ss_table/ and
	// version/ subdirectories are created.
	DirPath string

	// MinorThresholdWithLen is the number of MemTable entries before a
	// freeze-and-flush is triggered.
	MinorThresholdWithLen int

	// WalThreshold is the maximum number of WAL segments retained before
	// the oldest half are deleted.
	WalThreshold int

	// WalEnable toggles WAL writes. When false, table names are minted via
	// the Gen source directly instead of reusing a rotated WAL segment's
	// gen.
	WalEnable bool

	// WalAsyncPutEnable, when true, does not wait for fsync on WAL append.
	WalAsyncPutEnable bool

	// SparseIndexIntervalBlockSize is defaulted and carried in the config
	// but not read by the table builder, which writes one index entry for
	// every data block.
	SparseIndexIntervalBlockSize int

	// SstFileSize is the target size cap, in bytes, for a single table
	// produced by compaction.
	SstFileSize int64

	// MajorThresholdWithSstSize is the L0 table count at which major
	// compaction triggers; deeper levels scale this by
	// LevelSstMagnification.
	MajorThresholdWithSstSize int

	// MajorSelectFileSize is the number of tables picked per major
	// compaction run from the source level.
	MajorSelectFileSize int

	// LevelSstMagnification is the per-level capacity multiplier.
	LevelSstMagnification int

	// DesiredErrorProb is the bloom filter's target false-positive rate.
	DesiredErrorProb float64

	// BlockCacheSize and TableCacheSize bound the table loader's two LRU
	// caches (entry counts, not bytes).
	BlockCacheSize int
	TableCacheSize int

	// LockTimeoutMillis bounds how long Open waits to acquire the
	// directory lock before returning LockContended.
	LockTimeoutMillis int

	// Fs is the backing filesystem the File Factory opens numbered files
	// against. Defaults to the real OS filesystem; tests may substitute
	// afero.NewMemMapFs().
	Fs afero.Fs

	// Logger receives structured diagnostics from the store, compactor,
	// and cleaner. Defaults to a zap development logger.
	Logger *zap.SugaredLogger
}

// blockSize is the target size, in bytes, of one data block within a table.
const blockSize = 4 * 1024

// Default returns the configuration table from the spec, §6, verbatim.
func Default(dirPath string) Config {
	return Config{
		DirPath:                      dirPath,
		MinorThresholdWithLen:        2333,
		WalThreshold:                 20,
		WalEnable:                    true,
		WalAsyncPutEnable:            true,
		SparseIndexIntervalBlockSize: 4,
		SstFileSize:                  24 * 1024 * 1024,
		MajorThresholdWithSstSize:    10,
		MajorSelectFileSize:          3,
		LevelSstMagnification:        10,
		DesiredErrorProb:             0.05,
		BlockCacheSize:               3200,
		TableCacheSize:               112,
		LockTimeoutMillis:            3000,
	}
}

// WithDefaults fills unset fields (Fs, Logger, and any non-positive
// numeric tunable) with their defaults and returns the result; it never
// mutates cfg in place.
func (cfg Config) WithDefaults() Config {
	d := Default(cfg.DirPath)
	if cfg.MinorThresholdWithLen > 0 {
		d.MinorThresholdWithLen = cfg.MinorThresholdWithLen
	}
	if cfg.WalThreshold > 0 {
		d.WalThreshold = cfg.WalThreshold
	}
	d.WalEnable = cfg.WalEnable
	d.WalAsyncPutEnable = cfg.WalAsyncPutEnable
	if cfg.SparseIndexIntervalBlockSize > 0 {
		d.SparseIndexIntervalBlockSize = cfg.SparseIndexIntervalBlockSize
	}
	if cfg.SstFileSize > 0 {
		d.SstFileSize = cfg.SstFileSize
	}
	if cfg.MajorThresholdWithSstSize > 0 {
		d.MajorThresholdWithSstSize = cfg.MajorThresholdWithSstSize
	}
	if cfg.MajorSelectFileSize > 0 {
		d.MajorSelectFileSize = cfg.MajorSelectFileSize
	}
	if cfg.LevelSstMagnification > 0 {
		d.LevelSstMagnification = cfg.LevelSstMagnification
	}
	if cfg.DesiredErrorProb > 0 {
		d.DesiredErrorProb = cfg.DesiredErrorProb
	}
	if cfg.BlockCacheSize > 0 {
		d.BlockCacheSize = cfg.BlockCacheSize
	}
	if cfg.TableCacheSize > 0 {
		d.TableCacheSize = cfg.TableCacheSize
	}
	if cfg.LockTimeoutMillis > 0 {
		d.LockTimeoutMillis = cfg.LockTimeoutMillis
	}
	if cfg.Fs != nil {
		d.Fs = cfg.Fs
	} else {
		d.Fs = afero.NewOsFs()
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	} else {
		l, _ := zap.NewDevelopment()
		d.Logger = l.Sugar()
	}
	return d
}

// BlockSize returns the target block size used by the table builder.
func (cfg Config) BlockSize() int { return blockSize }

// Validate rejects a configuration that would make the engine unusable.
func (cfg Config) Validate() error {
	if cfg.DirPath == "" {
		return fmt.Errorf("lsmkv: DirPath must not be empty")
	}
	if cfg.MinorThresholdWithLen <= 0 {
		return fmt.Errorf("lsmkv: MinorThresholdWithLen must be positive")
	}
	if cfg.MajorThresholdWithSstSize <= 0 {
		return fmt.Errorf("lsmkv: MajorThresholdWithSstSize must be positive")
	}
	if cfg.LevelSstMagnification <= 0 {
		return fmt.Errorf("lsmkv: LevelSstMagnification must be positive")
	}
	if cfg.DesiredErrorProb <= 0 || cfg.DesiredErrorProb >= 1 {
		return fmt.Errorf("lsmkv: DesiredErrorProb must be in (0, 1)")
	}
	return nil
}

// LevelCapacity returns the table count at which a level is considered
// over its major-compaction threshold.
func (cfg Config) LevelCapacity(level int) int {
	cap := cfg.MajorThresholdWithSstSize
	for i := 0; i < level; i++ {
		cap *= cfg.LevelSstMagnification
	}
	return cap
}
