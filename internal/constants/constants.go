// Package constants is responsible for defining the constants used in the application.
package constants

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// SyncServiceCmdName is the name of the sync service command.
	SyncServiceCmdName = "fastlane-sync-service"

	// AgentServiceCmdName is the name of the agent service command.
	AgentServiceCmdName = "fastlane-agent-service"
)

// Worksheet service constants.
const (
	// DefaultWorksheetPageSize is the default page size for worksheet row listing.
	// The service caps page sizes at 100 rows.
	DefaultWorksheetPageSize = 100

	// WorksheetRowIDField is the system field carrying the service-assigned row identifier.
	WorksheetRowIDField = "rowid"

	// WorksheetCreatedAtField is the system field carrying the row creation timestamp.
	WorksheetCreatedAtField = "_createdAt"

	// WorksheetUpdatedAtField is the system field carrying the row update timestamp.
	WorksheetUpdatedAtField = "_updatedAt"
)

// Data store constants.
const (
	// NaturalKeyColumn is the column used as the upsert conflict target for synced rows.
	//
	// It must always be the worksheet row identifier, never a secondary business
	// field, since the upstream data may carry duplicate business values across
	// distinct rows.
	NaturalKeyColumn = "hap_row_id"

	// SyncLockPrefix namespaces the advisory lock keys used to serialize sync runs.
	SyncLockPrefix = "fastlane-sync"
)
