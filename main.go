package main

import "github.com/nicklasfrahm/wke/cmd"

func main() {
	cmd.Execute()
}
