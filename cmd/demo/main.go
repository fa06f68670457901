// Command demo exercises the lsmkv engine end to end: writes, point
// reads, a tombstone, a forced flush, and the stats the Store exposes.
// It is not a CLI product (see SPEC_FULL.md's Non-goals) — just enough
// to show the public API working against a real directory.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lsmkv-project/lsmkv"
	"github.com/lsmkv-project/lsmkv/config"
)

func main() {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("lsmkv demo: embedded LSM-tree key-value store")
	fmt.Println(strings.Repeat("=", 72))

	dir := "./data-lsmkv"
	defer os.RemoveAll(dir)

	cfg := config.Default(dir)
	cfg.MinorThresholdWithLen = 4 // small, so the demo actually triggers a flush

	store, err := lsmkv.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer store.Close()

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}
	for key, value := range testData {
		if err := store.Set([]byte(key), []byte(value)); err != nil {
			log.Printf("set %s: %v", key, err)
			continue
		}
		fmt.Printf("  SET %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, found, err := store.Get([]byte(key))
		switch {
		case err != nil:
			log.Printf("get %s: %v", key, err)
		case !found:
			log.Printf("missing key: %s", key)
		default:
			fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
		}
	}

	fmt.Println("\n[Updating data]")
	if err := store.Set([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31}`)); err != nil {
		log.Printf("update: %v", err)
	}
	if value, found, _ := store.Get([]byte("user:1001")); found {
		fmt.Printf("  GET user:1001 -> %s\n", truncate(string(value), 50))
	}

	fmt.Println("\n[Deleting data]")
	if err := store.Remove([]byte("product:102")); err != nil {
		log.Printf("remove: %v", err)
	}
	if _, found, _ := store.Get([]byte("product:102")); !found {
		fmt.Println("  GET product:102 -> not found, as expected")
	}

	fmt.Println("\n[Snapshot isolation]")
	snap := store.NewSnapshot()
	_ = store.Set([]byte("user:1004"), []byte(`{"name": "Dana"}`))
	if _, found, _ := snap.Get([]byte("user:1004")); !found {
		fmt.Println("  snapshot taken before the write does not see user:1004")
	}
	if value, found, _ := store.Get([]byte("user:1004")); found {
		fmt.Printf("  a fresh read sees it: %s\n", truncate(string(value), 40))
	}

	fmt.Println("\n[Forcing a flush]")
	if err := store.Flush(); err != nil {
		log.Printf("flush: %v", err)
	}
	fmt.Printf("  disk size after flush: %d bytes\n", store.SizeOnDisk())
	fmt.Printf("  empty: %v\n", store.IsEmpty())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
