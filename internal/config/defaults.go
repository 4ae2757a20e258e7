package config

const (
	defaultConfigPath             = "~/.config/videoarchiver/config.toml"
	defaultStateDir               = "~/.local/share/videoarchiver"
	defaultLogDir                 = "~/.local/share/videoarchiver/logs"
	defaultOutputDir              = "~/videos/archive"
	defaultAPIBind                = "127.0.0.1:7488"
	defaultSocketName             = "archiverd.sock"
	defaultMaxQueueSize           = 1000
	defaultMaxAttempts            = 3
	defaultRetryDelaySeconds      = 5
	defaultConcurrentDownloads    = 2
	defaultMaxWorkers             = 4
	defaultProcessTimeoutSeconds  = 1800
	defaultStallThresholdSeconds  = 300
	defaultLeaseRenewSeconds      = 30
	defaultCleanupIntervalMinutes = 30
	defaultMaxHistoryAgeHours     = 24
	defaultHealthIntervalSeconds  = 60
	defaultHealthWindow           = 100
	defaultMinSuccessRate         = 0.8
	defaultDepthAlertRatio        = 0.9
	defaultErrorRateWarning       = 0.1
	defaultErrorRateCritical      = 0.2
	defaultMemoryWarningMB        = 384
	defaultMemoryCriticalMB       = 512
	defaultDepthWarning           = 0.8
	defaultDepthCritical          = 0.95
	defaultShutdownGraceSeconds   = 30
	defaultShutdownForceSeconds   = 15
	defaultPersistenceBackend     = BackendFile
	defaultNotifyRequestTimeout   = 10
	defaultNotifyDedupWindow      = 600
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"

	// MinGuildConcurrency and MaxGuildConcurrency bound per-guild download slots.
	MinGuildConcurrency = 1
	MaxGuildConcurrency = 5

	// BackendFile stores snapshots as an atomically replaced JSON document.
	BackendFile = "file"
	// BackendSQLite stores snapshots as rows in a SQLite database.
	BackendSQLite = "sqlite"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Queue: Queue{
			MaxQueueSize:          defaultMaxQueueSize,
			MaxAttempts:           defaultMaxAttempts,
			RetryDelaySeconds:     defaultRetryDelaySeconds,
			ConcurrentDownloads:   defaultConcurrentDownloads,
			MaxWorkers:            defaultMaxWorkers,
			ProcessTimeoutSeconds: defaultProcessTimeoutSeconds,
			StallThresholdSeconds: defaultStallThresholdSeconds,
			LeaseRenewSeconds:     defaultLeaseRenewSeconds,
		},
		Cleanup: Cleanup{
			IntervalMinutes:    defaultCleanupIntervalMinutes,
			MaxHistoryAgeHours: defaultMaxHistoryAgeHours,
		},
		Health: Health{
			CheckIntervalSeconds: defaultHealthIntervalSeconds,
			Window:               defaultHealthWindow,
			MinSuccessRate:       defaultMinSuccessRate,
			DepthAlertRatio:      defaultDepthAlertRatio,
			ErrorRateWarning:     defaultErrorRateWarning,
			ErrorRateCritical:    defaultErrorRateCritical,
			MemoryWarningMB:      defaultMemoryWarningMB,
			MemoryCriticalMB:     defaultMemoryCriticalMB,
			DepthWarning:         defaultDepthWarning,
			DepthCritical:        defaultDepthCritical,
		},
		Shutdown: Shutdown{
			GraceSeconds: defaultShutdownGraceSeconds,
			ForceSeconds: defaultShutdownForceSeconds,
		},
		Persistence: Persistence{
			Backend: defaultPersistenceBackend,
		},
		Processor: Processor{
			Command:   []string{"yt-dlp", "--no-progress", "-P", "{output_dir}", "{url}"},
			OutputDir: defaultOutputDir,
		},
		Notifications: Notifications{
			RequestTimeout:     defaultNotifyRequestTimeout,
			Alerts:             true,
			Failures:           true,
			DedupWindowSeconds: defaultNotifyDedupWindow,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
