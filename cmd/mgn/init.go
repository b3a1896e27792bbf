package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local database and device identity",
	Long: `Create the local database (if it does not exist yet) and mint this
installation's device identity: a stable UUID plus the host name and
platform, stored only in the local database.

The identity must stay out of any folder a sync provider mirrors; two
machines sharing one identity would corrupt each other's journal streams.
Running init again is a no-op that prints the existing identity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := dbPath()
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		device, err := st.DeviceContext(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s\n", path)
		fmt.Printf("Device:   %s\n", device.DeviceID)
		fmt.Printf("Name:     %s\n", device.DeviceName)
		fmt.Printf("Platform: %s\n", device.Platform)
		fmt.Println("Run 'mgn configure <folder>' to enable sync.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
