package main

import "github.com/andresmejia3/veil/cmd"

func main() {
	cmd.Execute()
}
