//go:build !nogtk

package main

import (
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/janpfeifer/eigendepth/internal/viewer/gtkviewer"
)

func newGTKViewer(saveDir string) (viewer.Viewer, func(), error) {
	g, err := gtkviewer.New()
	if err != nil {
		return nil, nil, err
	}
	g.SaveDir = saveDir
	return g, g.Close, nil
}
