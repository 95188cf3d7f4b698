package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"fluidnet/sim/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (run %s, schema %d)\n", entry.BundlePath, entry.Header.RunID, entry.Header.SchemaVersion)
		if len(entry.Header.Engine) > 0 {
			keys := make([]string, 0, len(entry.Header.Engine))
			for key := range entry.Header.Engine {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			fmt.Printf("  engine:\n")
			for _, key := range keys {
				fmt.Printf("    %s: %g\n", key, entry.Header.Engine[key])
			}
		}
		fmt.Printf("  manifest: %s\n", entry.Manifest)
	}
}
