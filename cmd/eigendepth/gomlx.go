package main

// Include the XLA backend for GoMLX.

import (
	_ "github.com/gomlx/gomlx/backends/xla"
)
