package main

const (
	txQueueSize = 1024 // capacity of async TX queue towards the adapter
)
