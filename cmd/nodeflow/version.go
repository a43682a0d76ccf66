package main

import (
	"fmt"
	"runtime/debug"
)

// version is stamped by release builds with -ldflags "-X main.version=...".
var version = "dev"

// buildVersion prefers the stamped version, then the module version recorded
// by `go install`.
func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func printVersion() {
	fmt.Println("nodeflow", buildVersion())
}
