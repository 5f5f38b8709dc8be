package main

import (
	"github.com/spf13/cobra"
)

var (
	configFile string
	servePort  int
	serverURL  string
	nodeID     string
	parentID   string
	noRAG      bool
	selected   string
	followUp   string

	rootCmd = &cobra.Command{
		Use:   "subchat",
		Short: "Hierarchical conversation trees with isolated branch context",
		Long: `Subchat serves branching conversations where every subchat sees
only its own turns plus an explicit follow-up link to the parent,
backed by a vector archive for long-term memory across the tree.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the subchat orchestrator HTTP server",
		Run:   runServe, // Defined in cmd_serve.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the subchat version",
		Run:   runVersion, // Defined in cmd_serve.go
	}

	// --- Conversations ---
	newCmd = &cobra.Command{
		Use:   "new [title]",
		Short: "Create a new root conversation",
		Run:   runNew, // Defined in cmd_conversations.go
	}
	branchCmd = &cobra.Command{
		Use:   "branch [title]",
		Short: "Create a subchat under an existing conversation",
		Run:   runBranch, // Defined in cmd_conversations.go
	}
	treeCmd = &cobra.Command{
		Use:   "tree [node_id]",
		Short: "Print the conversation tree rooted at a node",
		Run:   runTree, // Defined in cmd_conversations.go
	}
	historyCmd = &cobra.Command{
		Use:   "history [node_id]",
		Short: "Show a node's live buffer and rolling summary",
		Run:   runHistory, // Defined in cmd_conversations.go
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message and stream the reply",
		Run:   runChat, // Defined in cmd_chat.go
	}

	// --- Archive Admin ---
	archiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Administer the conversation archive",
	}
	archiveStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show archive record count and embedding fingerprint",
		Run:   runArchiveStats, // Defined in cmd_archive.go
	}
	archiveBackupCmd = &cobra.Command{
		Use:   "backup [backup_id]",
		Short: "Create a backup of the archive",
		Run:   runArchiveBackup, // Defined in cmd_archive.go
	}
	archiveRestoreCmd = &cobra.Command{
		Use:   "restore [backup_id]",
		Short: "Restore the archive from a backup",
		Run:   runArchiveRestore, // Defined in cmd_archive.go
	}
	archiveClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "DANGER: Delete every record in the archive",
		Run:   runArchiveClear, // Defined in cmd_archive.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Orchestrator base URL (default $SUBCHAT_SERVER or http://localhost:8080)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "",
		"YAML settings file overlaid on the environment; watched for tunable changes")
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP bind port (overrides SUBCHAT_PORT and the config file)")

	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newCmd)

	rootCmd.AddCommand(branchCmd)
	branchCmd.Flags().StringVar(&parentID, "parent", "", "Parent node id (default: the active node)")
	branchCmd.Flags().StringVar(&selected, "selected", "", "Text selected from the parent that motivated the branch")
	branchCmd.Flags().StringVar(&followUp, "context", "", "What the branch should focus on")

	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&nodeID, "node", "", "Conversation node to chat in (default: the active node)")
	chatCmd.Flags().BoolVar(&noRAG, "no-rag", false, "Skip archive retrieval for this turn")

	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveStatsCmd)
	archiveCmd.AddCommand(archiveBackupCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)
	archiveCmd.AddCommand(archiveClearCmd)
	archiveClearCmd.Flags().Bool("force", false, "Required to confirm deleting all records")
}
