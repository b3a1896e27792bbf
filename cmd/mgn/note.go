package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marginalia-app/marginalia/internal/store"
)

// noteDoc is the minimal note document the CLI writes. The sync engine
// treats row data as opaque; the real application owns the full schema.
type noteDoc struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Manage notes in the local database",
	Long: `Create, list, and delete notes. Every mutation is recorded in the
change log in the same transaction and replicates to other devices on the
next sync cycle.`,
}

var noteAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		doc := noteDoc{ID: id, Text: args[0], CreatedAt: time.Now().UnixMilli()}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode note: %w", err)
		}

		if err := st.PutRow(cmd.Context(), store.TableNotes, id, data); err != nil {
			return err
		}
		fmt.Printf("Added note %s\n", id)
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListRows(cmd.Context(), store.TableNotes)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No notes")
			return nil
		}
		for _, row := range rows {
			var doc noteDoc
			if err := json.Unmarshal(row.Data, &doc); err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", row.ID, err)
				continue
			}
			fmt.Printf("%s  %s  (%s)\n", row.ID, doc.Text,
				time.UnixMilli(row.UpdatedAt).Format(time.RFC3339))
		}
		return nil
	},
}

var noteRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteRow(cmd.Context(), store.TableNotes, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted note %s\n", args[0])
		return nil
	},
}

func init() {
	noteAddCmd.Flags().String("id", "", "note id (default: random)")
	noteCmd.AddCommand(noteAddCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteRmCmd)
	rootCmd.AddCommand(noteCmd)
}
