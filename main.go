// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("hifive-sync-server - Client/Server Data Synchronization Engine")
	fmt.Println("==============================================================")
	fmt.Println()
	fmt.Println("hifive-sync-server reconciles stale client copies of server-managed")
	fmt.Println("resource items through upload/download batches with per-item version")
	fmt.Println("tracking, pluggable conflict resolution, and idempotent resends.")
	fmt.Println()

	fmt.Println("Available Examples:")
	fmt.Println()
	fmt.Println("1. Todo Sync Server (examples/todosync/)")
	fmt.Println("   A complete sync server with a SQLite-backed todo resource")
	fmt.Println("   Features: JWT auth, conflict resolution, batch ordering modes")
	fmt.Println("   Run: cd examples/todosync && go run .")
	fmt.Println()
}
