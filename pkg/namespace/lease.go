package namespace

// RecoveryHolder is the lease holder name used while the namespace itself
// recovers an abandoned file.
const RecoveryHolder = "DittoNS_NameNode"

// Lease is a time-bounded write grant held by one client over a set of
// paths.
type Lease struct {
	Holder   string `json:"holder"`
	HolderID int64  `json:"holder_id"`

	// LastUpdate is the last renewal time (unix millis)
	LastUpdate int64 `json:"last_update"`
}

// LeasePath binds an open path to the lease holding it. A path belongs to at
// most one lease.
type LeasePath struct {
	Path     string `json:"path"`
	HolderID int64  `json:"holder_id"`
}
