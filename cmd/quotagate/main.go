// Package main is the entry point for quotagate.
package main

func main() {
	Execute()
}
