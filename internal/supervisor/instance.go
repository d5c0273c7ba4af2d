// ABOUTME: Instance record for one tenant's bridge and worker pair
// ABOUTME: Exposes addresses and paths while keeping process handles private

package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/2389/sandboxd/internal/proc"
)

// TenantKey joins user and project ids into the key instances are indexed by.
func TenantKey(userID, projectID string) string {
	return userID + ":" + projectID
}

// Instance is one tenant's running sandbox.
type Instance struct {
	Key       string
	UserID    string
	ProjectID string
	// Address is the worker's RPC address.
	Address       string
	WorkerPort    int
	BridgePort    int
	WorkspacePath string
	DataDir       string
	CreatedAt     time.Time

	lastActivity atomic.Int64
	bridge       *proc.Process
	worker       *proc.Process
}

// LastActivity returns when the instance was last resolved.
func (i *Instance) LastActivity() time.Time {
	return time.Unix(0, i.lastActivity.Load())
}

func (i *Instance) touch() {
	i.lastActivity.Store(time.Now().UnixNano())
}

// Info is a snapshot of an instance for listings.
type Info struct {
	Key           string    `json:"key"`
	UserID        string    `json:"user_id"`
	ProjectID     string    `json:"project_id"`
	Address       string    `json:"address"`
	BridgePort    int       `json:"bridge_port"`
	WorkspacePath string    `json:"workspace_path"`
	DataDir       string    `json:"data_dir"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	BridgePID     int       `json:"bridge_pid"`
	WorkerPID     int       `json:"worker_pid"`
}

func (i *Instance) info() Info {
	return Info{
		Key:           i.Key,
		UserID:        i.UserID,
		ProjectID:     i.ProjectID,
		Address:       i.Address,
		BridgePort:    i.BridgePort,
		WorkspacePath: i.WorkspacePath,
		DataDir:       i.DataDir,
		CreatedAt:     i.CreatedAt,
		LastActivity:  i.LastActivity(),
		BridgePID:     i.bridge.Pid(),
		WorkerPID:     i.worker.Pid(),
	}
}
