package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/10yihang/slotctl/internal/cluster/hash"
)

func main() {
	slot := flag.Int("slot", 0, "target hash slot")
	n := flag.Int("n", 1, "number of keys to print")
	prefix := flag.String("prefix", "key", "key prefix")
	flag.Parse()

	if *slot < 0 || *slot >= hash.SlotCount {
		fmt.Fprintf(os.Stderr, "slot must be in [0, %d)\n", hash.SlotCount)
		os.Exit(2)
	}

	keys := hash.KeysForSlot(uint16(*slot), *n, *prefix)
	if len(keys) == 0 {
		fmt.Println("Not found")
		os.Exit(1)
	}
	for _, k := range keys {
		fmt.Println(k)
	}
}
