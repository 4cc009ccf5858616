package cowbtreeutil

import "fmt"

// Verbose gates diagnostic prints scattered through the core packages,
// printed directly with fmt rather than through a logging library. Off
// by default.
var Verbose = false

// Debugf prints a diagnostic line when Verbose is set.
func Debugf(format string, args ...any) {
	if Verbose {
		fmt.Printf(format+"\n", args...)
	}
}
