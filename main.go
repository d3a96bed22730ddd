package main

import "github.com/ts03085781/silent-letter/cmd"

func main() {
	cmd.Run()
}
