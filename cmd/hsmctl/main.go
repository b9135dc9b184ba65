// hsmctl talks to a YubiHSM2 over an authenticated secure channel.
//
// Usage:
//
//	hsmctl [flags] <command>
//
// Commands:
//
//	status   Show yubihsm-connector status
//	devices  List YubiHSM2 devices attached over USB
//	info     Show device information
//	echo     Echo data through the device
//	random   Get random bytes from the device
//	blink    Blink the device LED
//
// Example:
//
//	hsmctl --connector usb --serial 0007550054 info
//	hsmctl --config hsmctl.yaml random 32
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
