// Command mgn is the Marginalia sync CLI.
//
// It manages the local annotation database and its replication to other
// devices through a passively synced shared folder (iCloud Drive, Dropbox,
// Syncthing, a network mount). There is no server: devices exchange journal
// and snapshot files through the folder and converge by last-write-wins.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
