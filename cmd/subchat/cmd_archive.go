package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// runArchiveStats prints record count and the embedding fingerprint.
func runArchiveStats(cmd *cobra.Command, args []string) {
	var resp datatypes.ArchiveStatsResponse
	if err := apiCall(http.MethodGet, "/api/admin/archive/stats", nil, &resp); err != nil {
		log.Fatalf("Failed to fetch archive stats: %v", err)
	}
	fmt.Printf("Class:           %s\n", resp.ClassName)
	fmt.Printf("Records:         %d\n", resp.TotalRecords)
	fmt.Printf("Embedding model: %s (dim %d)\n", resp.EmbeddingModel, resp.EmbeddingDim)
}

// runArchiveBackup creates a named backup of the archive.
func runArchiveBackup(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		log.Fatal("Usage: subchat archive backup [backup_id]")
	}
	runBackupAction(args[0], "create")
}

// runArchiveRestore restores the archive from a named backup.
func runArchiveRestore(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		log.Fatal("Usage: subchat archive restore [backup_id]")
	}
	runBackupAction(args[0], "restore")
}

func runBackupAction(id, action string) {
	req := datatypes.BackupRequest{ID: id, Action: action}
	var resp datatypes.BackupResponse
	if err := apiCall(http.MethodPost, "/api/admin/backups", &req, &resp); err != nil {
		log.Fatalf("Backup %s failed: %v", action, err)
	}
	fmt.Printf("Backup %s: %s (%s)\n", resp.ID, resp.Status, resp.Action)
	if resp.Path != "" {
		fmt.Printf("Path: %s\n", resp.Path)
	}
}

// runArchiveClear deletes every archive record. Refuses without --force
// because there is no way back except a backup.
func runArchiveClear(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")
	if !force {
		log.Fatal("Refusing to clear the archive without --force")
	}
	if err := apiCall(http.MethodDelete, "/api/admin/archive", nil, nil); err != nil {
		log.Fatalf("Failed to clear archive: %v", err)
	}
	fmt.Println("Archive cleared")
}
