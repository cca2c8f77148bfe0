package main

import "warpchat/cmd"

func main() {
	cmd.Execute()
}
