package store

import "time"

// Sync run statuses.
const (
	RunInProgress = "IN_PROGRESS"
	RunCompleted  = "COMPLETED"
	RunFailed     = "FAILED"
)

// SyncRun is one row of sync run metadata: one record per sync invocation,
// created at start and finalized at completion or failure.
type SyncRun struct {
	ID         string     `json:"id"`
	TableName  string     `json:"table"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	TotalPulled int    `json:"totalPulled"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Failed      int    `json:"failed"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
}

// App is a synced target application.
type App struct {
	ID           int64      `json:"id"`
	HapRowID     string     `json:"hapRowId"`
	AppName      string     `json:"appName"`
	AppID        string     `json:"appId"`
	BundleID     string     `json:"bundleId"`
	AccountEmail string     `json:"accountEmail"`
	Status       string     `json:"status"`
	StoreLink    string     `json:"storeLink"`
	Monitored    bool       `json:"monitored"`
	RemovalTime  *time.Time `json:"removalTime,omitempty"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
}

// Account is a synced developer account with its denormalized product count.
type Account struct {
	ID           int64      `json:"id"`
	HapRowID     string     `json:"hapRowId"`
	AccountEmail string     `json:"accountEmail"`
	Status       string     `json:"status"`
	ProductCount int        `json:"productCount"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
}

// Release is a synced release record.
type Release struct {
	ID           int64      `json:"id"`
	HapRowID     string     `json:"hapRowId"`
	AppName      string     `json:"appName"`
	BundleID     string     `json:"bundleId"`
	Version      string     `json:"version"`
	Status       string     `json:"status"`
	AccountEmail string     `json:"accountEmail"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
}

// Project is a locally managed release project pointing at a working copy of
// the app repository and its default release lane.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	BundleID    string    `json:"bundleId"`
	RepoPath    string    `json:"repoPath"`
	DefaultLane string    `json:"defaultLane"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Operation is one entry of the operation log: every deploy, refresh, and
// sync trigger is recorded for later inspection.
type Operation struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Requester string    `json:"requester,omitempty"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
