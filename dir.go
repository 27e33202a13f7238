package txstore

const (
	// lockFileName is the pid file written into a partition directory while a store owns it.
	lockFileName = "LOCK"
)
