//go:build bundle_aria2

package aria2

import _ "embed"

// The bundled engine binary is placed at internal/aria2/bundled/aria2c by
// the release build before compiling with -tags bundle_aria2.
//
//go:embed bundled/aria2c
var bundledAria2 []byte

func init() {
	embeddedBinary = bundledAria2
}
