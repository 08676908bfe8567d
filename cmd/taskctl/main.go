package main

import "task-dispatch-engine/internal/cli"

func main() {
	cli.Execute()
}
