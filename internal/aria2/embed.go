package aria2

// embeddedBinary holds an aria2c build bundled into the application at
// compile time. It stays empty unless the binary is built with the
// bundle_aria2 tag (see embed_bundled.go), in which case the provisioner
// can extract it onto disk instead of depending on a system install.
var embeddedBinary []byte
