//go:build nogtk

package main

import (
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/pkg/errors"
)

func newGTKViewer(string) (viewer.Viewer, func(), error) {
	return nil, nil, errors.New("built without GTK support (\"nogtk\" build tag)")
}
