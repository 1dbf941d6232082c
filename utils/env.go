package utils

import "os"

var (
	// CONFIG_FILE is the default for --config. Everything else comes through the
	// ICEPART_ prefixed variables read by the config package.
	CONFIG_FILE = os.Getenv("ICEPART_CONFIG")
)
