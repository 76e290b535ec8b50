package server

// Options configures server creation.
type Options struct {
	StorageDir  string
	Concurrency int
}
