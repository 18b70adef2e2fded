package main

import "github.com/owui-pipes/responses/cmd"

func main() {
	cmd.Execute()
}
