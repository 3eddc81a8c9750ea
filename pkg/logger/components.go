package logger

// Component name constants for standardized logging
const (
	// Core components
	ComponentCore        = "Core"
	ComponentCoordinator = "Coordinator"
	ComponentSession     = "Session"

	// Resource tree components
	ComponentResourceStore = "ResourceStore"
	ComponentDispatcher    = "Dispatcher"
	ComponentCodec         = "Codec"

	// Storage components
	ComponentSettings    = "Settings"
	ComponentPersistence = "Persistence"

	// Delivery components
	ComponentPush    = "Push"
	ComponentDevInfo = "DevInfo"

	// Infrastructure
	ComponentBaseFSM       = "BaseFSM"
	ComponentConfigManager = "ConfigManager"
	ComponentFilesystem    = "Filesystem"
	ComponentWatchdog      = "Watchdog"
	ComponentMetrics       = "Metrics"
)
