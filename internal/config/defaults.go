package config

const (
	defaultDataDir            = "~/.local/share/stemflow"
	defaultLogDir             = "~/.local/share/stemflow/logs"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultAPIBind            = "127.0.0.1:7611"
	defaultChannelCapacity    = 2048
	defaultFrameGapBytes      = 1024
	defaultChunkScan          = 1
	defaultProgressBucket     = 5
	defaultEventRatePerSecond = 4
	defaultMinFreeBytes       = 1 << 30
	defaultPreviewInnerRadius = 20
	defaultPreviewOuterRadius = 60
	defaultEventBuffer        = 512
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Ingest: Ingest{
			ChannelCapacity:    defaultChannelCapacity,
			FrameGapBytes:      defaultFrameGapBytes,
			ChunkScanI:         defaultChunkScan,
			ChunkScanJ:         defaultChunkScan,
			ProgressBucket:     defaultProgressBucket,
			EventRatePerSecond: defaultEventRatePerSecond,
			MinFreeBytes:       defaultMinFreeBytes,
		},
		Preview: Preview{
			Enabled:     true,
			InnerRadius: defaultPreviewInnerRadius,
			OuterRadius: defaultPreviewOuterRadius,
		},
		Tasks: Tasks{
			JournalEnabled: true,
			EventBuffer:    defaultEventBuffer,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
