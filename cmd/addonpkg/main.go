package main

import "github.com/addonpkg/addonpkg/pkg/cmd"

func main() {
	cmd.Execute()
}
