//go:build debugflags
// +build debugflags

package relay

import (
	"flag"
)

func init() {
	flag.IntVar(&smtpPort, "debug.smtpport", 25, "port used for MX destination connections")
}
