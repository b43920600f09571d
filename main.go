package main

import "github.com/xrchz/xrbots/cmd"

func main() {
	cmd.Execute()
}
