package main

import "github.com/koemilabs/koemi/cmd"

func main() {
	cmd.Execute()
}
