package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single sync cycle: flush pending local changes to the shared
folder, pull and apply every other device's journals, and compact if this
device's journal history has grown past the threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng := newEngine(st)
		if err := eng.Initialize(cmd.Context()); err != nil {
			return err
		}

		start := time.Now()
		if !eng.TriggerSync(cmd.Context()) {
			return fmt.Errorf("sync is not configured; run 'mgn configure <folder>' first")
		}

		status := eng.Status()
		if status.Error != "" {
			return fmt.Errorf("sync finished in state %s: %s", status.State, status.Error)
		}
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Devices: %d\n", len(status.ConnectedDevices))
		fmt.Printf("   Pending changes: %d\n", status.PendingChanges)
		return nil
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure <folder>",
	Short: "Enable sync against a shared folder",
	Long: `Point sync at a shared folder. The folder is created if missing, this
device's subfolder and meta.json are written, and an initial snapshot is
exported so new devices can bootstrap cheaply.

The folder should be one a cloud-drive-style provider keeps in sync across
your devices. The local database must not live inside it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng := newEngine(st)
		if err := eng.Initialize(cmd.Context()); err != nil {
			return err
		}
		if err := eng.ConfigureFolder(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("Sync configured against %s\n", eng.Status().FolderPath)
		fmt.Println("Run 'mgn sync' or 'mgn daemon' to start syncing.")
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable sync on this device",
	Long: `Disable sync and clear the folder association. Nothing in the shared
folder is deleted: other devices keep syncing, and this device's journals
remain available to them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng := newEngine(st)
		if err := eng.Initialize(cmd.Context()); err != nil {
			return err
		}
		if err := eng.DisableSync(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Sync disabled")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng := newEngine(st)
		if err := eng.Initialize(cmd.Context()); err != nil {
			return err
		}

		device, err := st.DeviceContext(cmd.Context())
		if err != nil {
			return err
		}

		status := eng.Status()
		fmt.Printf("Device:  %s (%s, %s)\n", device.DeviceID, device.DeviceName, device.Platform)
		fmt.Printf("State:   %s\n", status.State)
		if status.FolderPath != "" {
			fmt.Printf("Folder:  %s\n", status.FolderPath)
		}
		if !status.LastSyncTime.IsZero() {
			fmt.Printf("Last sync: %s\n", status.LastSyncTime.Format(time.RFC3339))
		}
		fmt.Printf("Pending changes: %d\n", status.PendingChanges)
		if status.Error != "" {
			fmt.Fprintf(os.Stderr, "Last error: %s\n", status.Error)
		}

		watermarks, err := st.Watermarks(cmd.Context())
		if err != nil {
			return err
		}
		if len(watermarks) > 0 {
			devs := make([]string, 0, len(watermarks))
			for dev := range watermarks {
				devs = append(devs, dev)
			}
			sort.Strings(devs)
			fmt.Println("Known devices:")
			for _, dev := range devs {
				fmt.Printf("   %s  applied through seq %d\n", dev, watermarks[dev])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(statusCmd)
}
