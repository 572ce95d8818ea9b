package main

import "github.com/carlosprados/assetlink/internal/cli"

func main() {
	cli.Execute()
}
