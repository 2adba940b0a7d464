package main

import "github.com/solardome/vuln-importer/internal/cli"

func main() {
	cli.Execute()
}
