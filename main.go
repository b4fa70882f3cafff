package main

import "github.com/AvaProtocol/ap-uopool/cmd"

func main() {
	cmd.Execute()
}
