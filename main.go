package main

import (
	tracking "ride-hail-tracking/cmd/tracking-service"
)

func main() {
	tracking.Main()
}
