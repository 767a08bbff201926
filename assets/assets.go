// Package assets provides the assets for the zipvfs program.
package assets

import _ "embed"

// Logo is a byte slice containing the program logo.
//
//go:embed zipvfs.svg
var Logo []byte
