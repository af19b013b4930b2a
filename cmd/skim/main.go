package main

import (
	"os"

	"horse.fit/skim/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
