package model

// Kind of depth model.
type Kind int

const (
	// KindCoarse is the global, low-resolution estimator trained from scratch.
	KindCoarse Kind = iota

	// KindFine refines the output of a frozen coarse model with a shallow high-resolution branch.
	KindFine
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=snake -values -text -json kind.go
