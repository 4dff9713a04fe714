// Command stormkv-cli is a tiny non-interactive example client, adapted
// from the teacher's example/main.go: open an engine, run a fixed handful
// of operations, print what happened.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/kebukeYi/stormkv/internal/bitcask"
	"github.com/kebukeYi/stormkv/internal/lsm"
	"github.com/kebukeYi/stormkv/internal/store"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory")
	engineName := flag.String("engine", "lsm", "storage engine: bitcask or lsm")
	flag.Parse()

	var kv store.KeyValueStore
	switch *engineName {
	case "bitcask":
		kv = bitcask.New(bitcask.Options{Dir: *dataDir})
	case "lsm":
		kv = lsm.New(lsm.Options{Dir: *dataDir})
	default:
		log.Fatalf("stormkv-cli: unknown engine %q", *engineName)
	}

	if err := kv.Start(); err != nil {
		log.Fatalf("stormkv-cli: start: %v", err)
	}
	defer kv.Close()

	if err := kv.Put([]byte("hello"), []byte("world")); err != nil {
		log.Fatalf("stormkv-cli: put: %v", err)
	}
	value, err := kv.Read([]byte("hello"))
	if err != nil {
		log.Fatalf("stormkv-cli: read: %v", err)
	}
	fmt.Printf("hello = %s\n", value)

	if err := kv.Delete([]byte("hello")); err != nil {
		log.Fatalf("stormkv-cli: delete: %v", err)
	}
	if _, err := kv.Read([]byte("hello")); err != nil {
		fmt.Printf("hello: %v\n", err)
	}

	reclaimed, err := kv.Compact()
	if err != nil {
		log.Fatalf("stormkv-cli: compact: %v", err)
	}
	fmt.Printf("compacted, reclaimed %d bytes\n", reclaimed)
}
