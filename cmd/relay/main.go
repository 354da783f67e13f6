package main

import "github.com/architeacher/svc-messaging/internal/runtime"

func main() {
	runtime.NewRelay().Run()
}
