package config

const (
	defaultStagingDir     = "~/.local/share/shotline/staging"
	defaultLogDir         = "~/.local/share/shotline/logs"
	defaultSessionDir     = "~/.config/shotline"
	defaultPortalBaseURL  = "https://trn.la/api/producer"
	defaultRequestTimeout = 30
	defaultUploadTimeout  = 3600
	defaultPreviewPreset  = "fast"
	defaultArchiveExt     = ".mov"
	defaultNotifyTimeout  = 10
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			SessionDir: defaultSessionDir,
		},
		Portal: Portal{
			BaseURL:        defaultPortalBaseURL,
			RequestTimeout: defaultRequestTimeout,
			UploadTimeout:  defaultUploadTimeout,
		},
		Render: Render{
			PreviewPreset: defaultPreviewPreset,
		},
		Upload: Upload{
			EnabledDefault: true,
			ArchiveExt:     defaultArchiveExt,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
