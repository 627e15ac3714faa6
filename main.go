package main

import "github.com/dataparency-dev/taskloom/cmd"

func main() {
	cmd.Execute()
}
