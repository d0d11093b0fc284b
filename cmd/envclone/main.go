package main

import "github.com/jbcom/envclone/cmd/envclone/cmd"

func main() {
	cmd.Execute()
}
