package main

import "github.com/oshokin/service-core/cmd/service-core/cmd"

func main() {
	cmd.Execute()
}
