package namenode

import (
	"time"

	"github.com/marmos91/dittons/pkg/namenode/deletion"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/safemode"
)

const (
	// DefaultMaxComponentLength is the default limit on a path component
	DefaultMaxComponentLength = 255

	// DefaultMinReplication is the default minimum replication
	DefaultMinReplication = 1

	// DefaultMaxReplication is the default maximum replication
	DefaultMaxReplication = 512

	// DefaultListingLimit is the default page size of GetListing
	DefaultListingLimit = 1000

	// DefaultAccessTimePrecision is the default access time granularity
	DefaultAccessTimePrecision = time.Hour

	// DefaultSuperuser owns the root of a freshly formatted namespace
	DefaultSuperuser = "root"

	// DefaultSupergroup is the group whose members are superusers
	DefaultSupergroup = "supergroup"
)

// Config configures a Namesystem.
type Config struct {
	// Locking selects the lock manager: "global" or "fine"
	Locking string

	// TxRetries is the number of attempts for transient store failures
	TxRetries int

	// TxBackoff is the pause before the first retry
	TxBackoff time.Duration

	// MaxComponentLength limits path component length (0 = unlimited)
	MaxComponentLength int

	// MaxDirItems limits the children of one directory (0 = unlimited)
	MaxDirItems int

	// MaxObjects limits inodes plus blocks (0 = unlimited)
	MaxObjects int64

	// MinReplication and MaxReplication bound file replication
	MinReplication int
	MaxReplication int

	// MinBlockSize is the smallest accepted preferred block size
	MinBlockSize int64

	// ListingLimit is the page size of GetListing
	ListingLimit int

	// AccessTimePrecision is the access time granularity (0 disables
	// access time updates)
	AccessTimePrecision time.Duration

	// PermissionsEnabled turns permission checking on
	PermissionsEnabled bool

	// Superuser and Supergroup identify privileged callers
	Superuser  string
	Supergroup string

	// AuditLog emits one audit record per successful client operation
	AuditLog bool

	// Lease configures the lease manager
	Lease lease.Config

	// LeaseRecheckInterval is the lease monitor interval
	LeaseRecheckInterval time.Duration

	// SafeMode configures the safe-mode state machine
	SafeMode safemode.Config

	// SafeModeRecheckInterval is the safe-mode monitor interval
	SafeModeRecheckInterval time.Duration

	// Deletion configures the deferred block deletion worker
	Deletion deletion.Config
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Locking == "" {
		c.Locking = "global"
	}
	if c.MaxComponentLength == 0 {
		c.MaxComponentLength = DefaultMaxComponentLength
	}
	if c.MinReplication <= 0 {
		c.MinReplication = DefaultMinReplication
	}
	if c.MaxReplication <= 0 {
		c.MaxReplication = DefaultMaxReplication
	}
	if c.ListingLimit <= 0 {
		c.ListingLimit = DefaultListingLimit
	}
	if c.Superuser == "" {
		c.Superuser = DefaultSuperuser
	}
	if c.Supergroup == "" {
		c.Supergroup = DefaultSupergroup
	}
	if c.SafeMode.SafeReplication <= 0 {
		c.SafeMode.SafeReplication = c.MinReplication
	}
}
