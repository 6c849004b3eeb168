package config

// Mode selects which run strategy the program executes.
type Mode int

const (
	// ModeTrainCoarse trains the coarse network from scratch.
	ModeTrainCoarse Mode = iota

	// ModeTrainFine loads a trained coarse network, freezes it, and trains the fine branch on top of it.
	ModeTrainFine

	// ModeEval scores a trained model on the test set and displays random samples.
	ModeEval
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -values -text -json mode.go
