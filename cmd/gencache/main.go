package main

import "github.com/phraemer/gencache/pkg/cmd"

func main() {
	cmd.Execute()
}
