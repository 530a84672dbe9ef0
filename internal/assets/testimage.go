package assets

import _ "embed"

// TestImage is a 48x48 picture stored as packed 8-bit R, G, B triples,
// row-major.
//
//go:embed testimage.rgb
var TestImage []byte

const (
	TestImageWidth  = 48
	TestImageHeight = 48
)
